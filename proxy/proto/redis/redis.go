// Package redis is the RESP protocol adapter: incremental request and
// response parsing with the framing counters the engine needs, plus
// splitcopy hooks that re-emit a wire-correct header per fragment and
// coalesce hooks that merge fragment replies.
package redis

import (
	errs "errors"

	"duplex/pkg/conv"
	"duplex/proxy/message"
)

// resp type markers
const (
	respString byte = '+'
	respError  byte = '-'
	respInt    byte = ':'
	respBulk   byte = '$'
	respArray  byte = '*'
)

// errors
var (
	ErrBadRequest  = errs.New("bad redis request")
	ErrBadResponse = errs.New("bad redis response")
	ErrBadCount    = errs.New("bad redis count number")
)

var (
	crlfBytes = []byte("\r\n")
	okBytes   = []byte("+OK\r\n")
)

// parser states kept in message.State across invocations
const (
	swStart = iota
	swArgLen
	swArgData
)

type rdsProto struct{}

// New returns the client-plane redis protocol.
func New() message.Protocol {
	return rdsProto{}
}

func init() {
	message.Register(message.FamilyRedis, false, New())
}

// Parse advances the message cursor over buffered bytes and reports
// the outcome in message.Result.
func (rdsProto) Parse(m *message.Message) {
	if m.IsRequest() {
		parseReq(m)
	} else {
		parseRsp(m)
	}
}

func again(m *message.Message) {
	if tail := m.Chain().Tail(); tail != nil && tail.Full() {
		m.Result = message.ParseRepair
		return
	}
	m.Result = message.ParseAgain
}

func fail(m *message.Message, err error) {
	m.MarkError(err)
	m.Result = message.ParseError
}

// line returns the written offsets of the line starting at from,
// excluding CRLF; ok is false when the line is still incomplete.
func line(m *message.Message, from int) (eol int, ok bool) {
	eol = m.Chain().IndexCRLF(from)
	if eol < 0 {
		again(m)
		return 0, false
	}
	return eol, true
}

// lineInt parses the decimal between from and eol.
func lineInt(m *message.Message, from, eol int) (int64, error) {
	return conv.Btoi(m.Chain().CopyRange(from, eol))
}

func parseReq(m *message.Message) {
	for {
		switch m.State {
		case swStart:
			if ch, ok := m.Chain().At(m.Pos); !ok {
				again(m)
				return
			} else if ch != respArray {
				fail(m, ErrBadRequest)
				return
			}
			eol, ok := line(m, m.Pos)
			if !ok {
				return
			}
			n, err := lineInt(m, m.Pos+1, eol)
			if err != nil || n <= 0 {
				fail(m, ErrBadCount)
				return
			}
			m.NargStart, m.NargEnd = m.Pos, eol
			m.Narg = uint32(n)
			m.Rnarg = uint32(n)
			m.Pos = eol + 2
			m.State = swArgLen

		case swArgLen:
			if m.Rnarg == 0 {
				m.Result = message.ParseOK
				m.State = swStart
				return
			}
			if ch, ok := m.Chain().At(m.Pos); !ok {
				again(m)
				return
			} else if ch != respBulk {
				fail(m, ErrBadRequest)
				return
			}
			eol, ok := line(m, m.Pos)
			if !ok {
				return
			}
			n, err := lineInt(m, m.Pos+1, eol)
			if err != nil || n < 0 {
				fail(m, ErrBadCount)
				return
			}
			m.Rlen = int(n)
			m.Pos = eol + 2
			m.State = swArgData

		case swArgData:
			need := m.Rlen + 2
			if m.Chain().Len()-m.Pos < need {
				again(m)
				return
			}
			argStart, argEnd := m.Pos, m.Pos+m.Rlen
			if ch, _ := m.Chain().At(argEnd); ch != '\r' {
				fail(m, ErrBadRequest)
				return
			}
			m.Pos += need
			m.Rnarg--
			m.State = swArgLen
			if done := reqArg(m, argStart, argEnd); done {
				return
			}
		}
	}
}

// reqArg folds one completed argument into the decoded request state;
// it reports true when the parser must return to the driver.
func reqArg(m *message.Message, argStart, argEnd int) bool {
	cidx := int(m.Narg - m.Rnarg) // consumed args, command included

	if cidx == 1 {
		cmd := conv.ToLower(m.Chain().CopyRange(argStart, argEnd))
		switch string(cmd) {
		case "get":
			m.Type, m.IsRead = message.ReqRedisGet, true
		case "set":
			m.Type, m.IsRead = message.ReqRedisSet, false
		case "mget":
			m.Type, m.IsRead = message.ReqRedisMGet, true
		case "mset":
			m.Type, m.IsRead = message.ReqRedisMSet, false
		case "del":
			m.Type, m.IsRead = message.ReqRedisDel, false
		case "exists":
			m.Type, m.IsRead = message.ReqRedisExists, true
		case "ping":
			m.Type, m.IsRead = message.ReqRedisPing, true
		case "quit":
			m.Type = message.ReqRedisQuit
			m.Quit = true
		default:
			fail(m, ErrBadRequest)
			return true
		}
		return false
	}

	if cidx == 2 {
		m.KeyStart, m.KeyEnd = argStart, argEnd
	}

	switch m.Type {
	case message.ReqRedisMGet, message.ReqRedisDel, message.ReqRedisExists:
		if m.Rnarg > 0 {
			// split before the next key
			m.Result = message.ParseFragment
			return true
		}
	case message.ReqRedisMSet:
		if cidx >= 3 && (cidx-1)%2 == 0 && m.Rnarg > 0 {
			// split after each complete key-value pair
			m.Result = message.ParseFragment
			return true
		}
	}
	return false
}

func parseRsp(m *message.Message) {
	for {
		switch m.State {
		case swStart:
			ch, ok := m.Chain().At(m.Pos)
			if !ok {
				again(m)
				return
			}
			eol, lok := line(m, m.Pos)
			if !lok {
				return
			}
			switch ch {
			case respString:
				m.Type = message.RspRedisStatus
				m.Pos = eol + 2
				m.Result = message.ParseOK
				return
			case respError:
				m.Type = message.RspRedisError
				m.Pos = eol + 2
				m.Result = message.ParseOK
				return
			case respInt:
				n, err := lineInt(m, m.Pos+1, eol)
				if err != nil {
					fail(m, ErrBadResponse)
					return
				}
				m.Type = message.RspRedisInteger
				m.Integer = n
				m.Pos = eol + 2
				m.Result = message.ParseOK
				return
			case respBulk:
				n, err := lineInt(m, m.Pos+1, eol)
				if err != nil {
					fail(m, ErrBadResponse)
					return
				}
				m.Type = message.RspRedisBulk
				m.Pos = eol + 2
				if n < 0 {
					m.Result = message.ParseOK
					return
				}
				m.Rlen = int(n)
				m.Rnarg = 1
				m.State = swArgData
			case respArray:
				n, err := lineInt(m, m.Pos+1, eol)
				if err != nil {
					fail(m, ErrBadResponse)
					return
				}
				m.Type = message.RspRedisMultibulk
				m.Integer = n
				m.Pos = eol + 2
				if n <= 0 {
					m.Result = message.ParseOK
					return
				}
				m.Rnarg = uint32(n)
				m.State = swArgLen
			default:
				fail(m, ErrBadResponse)
				return
			}

		case swArgLen:
			ch, ok := m.Chain().At(m.Pos)
			if !ok {
				again(m)
				return
			}
			eol, lok := line(m, m.Pos)
			if !lok {
				return
			}
			switch ch {
			case respBulk:
				n, err := lineInt(m, m.Pos+1, eol)
				if err != nil {
					fail(m, ErrBadResponse)
					return
				}
				m.Pos = eol + 2
				if n < 0 {
					if rspElementDone(m) {
						return
					}
					continue
				}
				m.Rlen = int(n)
				m.State = swArgData
			case respString, respError, respInt:
				m.Pos = eol + 2
				if rspElementDone(m) {
					return
				}
			default:
				fail(m, ErrBadResponse)
				return
			}

		case swArgData:
			need := m.Rlen + 2
			if m.Chain().Len()-m.Pos < need {
				again(m)
				return
			}
			m.Pos += need
			if rspElementDone(m) {
				return
			}
		}
	}
}

func rspElementDone(m *message.Message) bool {
	m.Rnarg--
	if m.Rnarg == 0 {
		m.Result = message.ParseOK
		m.State = swStart
		return true
	}
	m.State = swArgLen
	return false
}

func cmdString(t message.Type) string {
	switch t {
	case message.ReqRedisMGet:
		return "mget"
	case message.ReqRedisMSet:
		return "mset"
	case message.ReqRedisDel:
		return "del"
	case message.ReqRedisExists:
		return "exists"
	}
	return ""
}

// PreSplitCopy lays a fresh RESP header at the head of the sibling
// chain: the remaining argument count plus the re-emitted command
// bulk, so the sibling parses as a complete smaller-group request.
func (rdsProto) PreSplitCopy(m *message.Message, b *message.Mbuf) error {
	cmd := cmdString(m.Type)
	if cmd == "" {
		return ErrBadRequest
	}
	hdr := "*" + conv.Itoa(int64(m.Rnarg)+1) + "\r\n" +
		"$" + conv.Itoa(int64(len(cmd))) + "\r\n" + cmd + "\r\n"
	if b.CopyIn([]byte(hdr)) != len(hdr) {
		return message.ErrSplitOverflow
	}
	return nil
}

// PostSplitCopy rewrites the truncated original's argument count to
// what it actually still carries.
func (rdsProto) PostSplitCopy(m *message.Message) error {
	consumed := int64(m.Narg - m.Rnarg)
	if consumed <= 0 {
		return ErrBadCount
	}
	hdrLen := m.NargEnd - m.NargStart + 2
	m.TrimHead(hdrLen)
	m.PrependBytes([]byte("*" + conv.Itoa(consumed) + "\r\n"))
	return nil
}

// PreCoalesce strips the per-fragment framing so sibling responses
// can merge: array replies drop their element-count header, counting
// replies fold their value into Integer and drop their bytes.
func (rdsProto) PreCoalesce(m *message.Message) {
	switch m.Type {
	case message.RspRedisMultibulk:
		if hdr := m.Chain().IndexCRLF(0); hdr >= 0 {
			m.TrimHead(hdr + 2)
		}
	case message.RspRedisInteger, message.RspRedisStatus:
		m.TrimHead(m.Len())
	}
}

// PostCoalesce finalizes the merged response for the request kind
// held in m.Type: a rebuilt array header for mget, a summed count for
// del and exists, a single OK for mset.
func (rdsProto) PostCoalesce(m *message.Message) {
	switch m.Type {
	case message.ReqRedisMGet:
		m.PrependBytes([]byte("*" + conv.Itoa(m.Integer) + "\r\n"))
	case message.ReqRedisDel, message.ReqRedisExists:
		m.AppendBytes([]byte(":" + conv.Itoa(m.Integer) + "\r\n"))
	case message.ReqRedisMSet:
		m.AppendBytes(okBytes)
	}
}
