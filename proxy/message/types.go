package message

import "github.com/pkg/errors"

// Family is the wire protocol family of a connection.
type Family uint8

// families
const (
	FamilyUnknown Family = iota
	FamilyMemcache
	FamilyRedis
)

var familyNames = [...]string{
	FamilyUnknown:  "unknown",
	FamilyMemcache: "memcache",
	FamilyRedis:    "redis",
}

// String implementation.
func (f Family) String() string {
	if int(f) < len(familyNames) {
		return familyNames[f]
	}
	return familyNames[FamilyUnknown]
}

// Result is the outcome of one parser invocation.
type Result uint8

// parse results
const (
	ParseOK Result = iota
	ParseFragment
	ParseRepair
	ParseAgain
	ParseError
)

// Type is the decoded message kind across both families.
type Type uint16

// message types
const (
	TypeUnknown Type = iota

	ReqMCGet
	ReqMCGets
	ReqMCSet
	ReqMCAdd
	ReqMCReplace
	ReqMCAppend
	ReqMCPrepend
	ReqMCCas
	ReqMCDelete
	ReqMCIncr
	ReqMCDecr
	ReqMCTouch
	ReqMCQuit

	RspMCValue
	RspMCEnd
	RspMCStored
	RspMCNotStored
	RspMCExists
	RspMCNotFound
	RspMCDeleted
	RspMCTouched
	RspMCNum
	RspMCError
	RspMCClientError
	RspMCServerError

	ReqRedisGet
	ReqRedisSet
	ReqRedisMGet
	ReqRedisMSet
	ReqRedisDel
	ReqRedisExists
	ReqRedisPing
	ReqRedisQuit

	RspRedisStatus
	RspRedisError
	RspRedisInteger
	RspRedisBulk
	RspRedisMultibulk
)

// IsError reports whether t is an error response kind.
func (t Type) IsError() bool {
	switch t {
	case RspMCError, RspMCClientError, RspMCServerError, RspRedisError:
		return true
	}
	return false
}

// ErrSource tags the origin of a synthesised error response.
type ErrSource uint8

// error sources
const (
	ErrSourceUnknown ErrSource = iota
	ErrSourcePeer
	ErrSourceStorage
)

func (s ErrSource) String() string {
	switch s {
	case ErrSourcePeer:
		return "Peer:"
	case ErrSourceStorage:
		return "Storage:"
	}
	return "Proxy:"
}

// errors
var (
	// ErrAgain is the transient no-progress signal from a Conn; callers
	// treat it as success with zero bytes.
	ErrAgain = errors.New("resource temporarily unavailable")
	// ErrNoMsg message pool exhausted.
	ErrNoMsg = errors.New("message pool exhausted")
	// ErrNoMbuf segment pool exhausted.
	ErrNoMbuf = errors.New("segment pool exhausted")
	// ErrNoProtocol no protocol registered for the connection family.
	ErrNoProtocol = errors.New("no protocol registered")
	// ErrSplitOverflow split preamble does not fit a segment.
	ErrSplitOverflow = errors.New("split preamble overflows segment")
)
