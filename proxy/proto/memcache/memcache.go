// Package memcache is the text-line protocol adapter: the incremental
// request/response parser plus the splitcopy and coalesce hooks that
// let the engine fragment multi-key retrievals per backend.
//
// protocol: https://github.com/memcached/memcached/blob/master/doc/protocol.txt
package memcache

import (
	errs "errors"

	"duplex/pkg/conv"
	"duplex/proxy/message"
)

// errors
var (
	ErrBadRequest  = errs.New("bad memcache request")
	ErrBadResponse = errs.New("bad memcache response")
	ErrBadLength   = errs.New("bad memcache length")
)

var (
	crlfBytes = []byte("\r\n")
	endBytes  = []byte("END\r\n")

	getPrefixBytes  = []byte("get ")
	getsPrefixBytes = []byte("gets ")
	noreplyBytes    = []byte("noreply")
)

// parser states kept in message.State across invocations
const (
	stateLine = iota
	stateReqData
	stateRspData
)

type mcProto struct{}

// New returns the client-plane memcache protocol.
func New() message.Protocol {
	return mcProto{}
}

func init() {
	message.Register(message.FamilyMemcache, false, New())
}

// Parse advances the message cursor over buffered bytes and reports
// the outcome in message.Result.
func (mcProto) Parse(m *message.Message) {
	if m.IsRequest() {
		parseReq(m)
	} else {
		parseRsp(m)
	}
}

type token struct {
	b     []byte
	start int
	end   int
}

// fields splits a command line into tokens carrying their absolute
// chain offsets.
func fields(line []byte, base int) (toks []token) {
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i == len(line) {
			break
		}
		j := i
		for j < len(line) && line[j] != ' ' {
			j++
		}
		toks = append(toks, token{b: line[i:j], start: base + i, end: base + j})
		i = j
	}
	return
}

func again(m *message.Message) {
	// force the unfinished line contiguous when the tail segment
	// can take no more bytes
	if tail := m.Chain().Tail(); tail != nil && tail.Full() {
		m.Result = message.ParseRepair
		return
	}
	m.Result = message.ParseAgain
}

func parseReq(m *message.Message) {
	c := m.Chain()
	for {
		switch m.State {
		case stateLine:
			ls := m.Pos
			eol := c.IndexCRLF(ls)
			if eol < 0 {
				again(m)
				return
			}
			line := c.CopyRange(ls, eol)
			toks := fields(line, ls)
			if len(toks) == 0 {
				m.MarkError(ErrBadRequest)
				m.Result = message.ParseError
				return
			}
			cmd := conv.ToLower(toks[0].b)
			switch string(cmd) {
			case "get", "gets":
				if len(toks) < 2 {
					m.MarkError(ErrBadRequest)
					m.Result = message.ParseError
					return
				}
				if string(cmd) == "get" {
					m.Type = message.ReqMCGet
				} else {
					m.Type = message.ReqMCGets
				}
				m.IsRead = true
				m.KeyStart, m.KeyEnd = toks[1].start, toks[1].end
				if len(toks) > 2 {
					// one sibling per remaining key run
					m.Pos = toks[2].start
					m.Result = message.ParseFragment
					return
				}
				m.Pos = eol + 2
				m.Result = message.ParseOK
				return

			case "set", "add", "replace", "append", "prepend", "cas":
				want := 5
				m.Type = storageType(string(cmd))
				if m.Type == message.ReqMCCas {
					want = 6
				}
				if len(toks) < want {
					m.MarkError(ErrBadRequest)
					m.Result = message.ParseError
					return
				}
				vlen, err := conv.Btoi(toks[4].b)
				if err != nil || vlen < 0 {
					m.MarkError(ErrBadLength)
					m.Result = message.ParseError
					return
				}
				m.IsRead = false
				m.KeyStart, m.KeyEnd = toks[1].start, toks[1].end
				m.Vlen = int(vlen)
				checkNoReply(m, toks)
				m.Pos = eol + 2
				m.State = stateReqData

			case "delete":
				m.Type = message.ReqMCDelete
				reqLineOnly(m, toks, eol, 2)
				return
			case "incr", "decr":
				if string(cmd) == "incr" {
					m.Type = message.ReqMCIncr
				} else {
					m.Type = message.ReqMCDecr
				}
				reqLineOnly(m, toks, eol, 3)
				return
			case "touch":
				m.Type = message.ReqMCTouch
				reqLineOnly(m, toks, eol, 3)
				return
			case "quit":
				m.Type = message.ReqMCQuit
				m.Quit = true
				m.Pos = eol + 2
				m.Result = message.ParseOK
				return
			default:
				m.MarkError(ErrBadRequest)
				m.Result = message.ParseError
				return
			}

		case stateReqData:
			need := m.Vlen + 2
			if c.Len()-m.Pos < need {
				again(m)
				return
			}
			if ch, _ := c.At(m.Pos + m.Vlen); ch != '\r' {
				m.MarkError(ErrBadLength)
				m.Result = message.ParseError
				return
			}
			m.Pos += need
			m.State = stateLine
			m.Result = message.ParseOK
			return
		}
	}
}

func storageType(cmd string) message.Type {
	switch cmd {
	case "set":
		return message.ReqMCSet
	case "add":
		return message.ReqMCAdd
	case "replace":
		return message.ReqMCReplace
	case "append":
		return message.ReqMCAppend
	case "prepend":
		return message.ReqMCPrepend
	}
	return message.ReqMCCas
}

func reqLineOnly(m *message.Message, toks []token, eol, want int) {
	if len(toks) < want {
		m.MarkError(ErrBadRequest)
		m.Result = message.ParseError
		return
	}
	m.IsRead = false
	m.KeyStart, m.KeyEnd = toks[1].start, toks[1].end
	checkNoReply(m, toks)
	m.Pos = eol + 2
	m.Result = message.ParseOK
}

func checkNoReply(m *message.Message, toks []token) {
	last := toks[len(toks)-1]
	if string(conv.ToLower(last.b)) == string(noreplyBytes) {
		m.NoReply = true
		m.Swallow = true
	}
}

func parseRsp(m *message.Message) {
	c := m.Chain()
	for {
		switch m.State {
		case stateLine:
			ls := m.Pos
			eol := c.IndexCRLF(ls)
			if eol < 0 {
				again(m)
				return
			}
			line := c.CopyRange(ls, eol)
			toks := fields(line, ls)
			if len(toks) == 0 {
				m.MarkError(ErrBadResponse)
				m.Result = message.ParseError
				return
			}
			switch string(toks[0].b) {
			case "VALUE":
				if len(toks) < 4 {
					m.MarkError(ErrBadResponse)
					m.Result = message.ParseError
					return
				}
				vlen, err := conv.Btoi(toks[3].b)
				if err != nil || vlen < 0 {
					m.MarkError(ErrBadLength)
					m.Result = message.ParseError
					return
				}
				if m.Type == message.TypeUnknown {
					m.KeyStart, m.KeyEnd = toks[1].start, toks[1].end
				}
				m.Type = message.RspMCValue
				m.Vlen = int(vlen)
				m.Pos = eol + 2
				m.State = stateRspData

			case "END":
				if m.Type == message.TypeUnknown {
					m.Type = message.RspMCEnd
				}
				m.Pos = eol + 2
				m.Result = message.ParseOK
				return

			case "STORED", "NOT_STORED", "EXISTS", "NOT_FOUND", "DELETED", "TOUCHED":
				m.Type = simpleRspType(string(toks[0].b))
				m.Pos = eol + 2
				m.Result = message.ParseOK
				return

			case "ERROR", "CLIENT_ERROR", "SERVER_ERROR":
				switch string(toks[0].b) {
				case "ERROR":
					m.Type = message.RspMCError
				case "CLIENT_ERROR":
					m.Type = message.RspMCClientError
				default:
					m.Type = message.RspMCServerError
				}
				m.Pos = eol + 2
				m.Result = message.ParseOK
				return

			default:
				// incr/decr reply is the bare number
				if _, err := conv.Btoi(toks[0].b); err == nil {
					m.Type = message.RspMCNum
					m.Pos = eol + 2
					m.Result = message.ParseOK
					return
				}
				m.MarkError(ErrBadResponse)
				m.Result = message.ParseError
				return
			}

		case stateRspData:
			need := m.Vlen + 2
			if c.Len()-m.Pos < need {
				again(m)
				return
			}
			m.Pos += need
			m.State = stateLine
			// expect another VALUE line or END
		}
	}
}

func simpleRspType(s string) message.Type {
	switch s {
	case "STORED":
		return message.RspMCStored
	case "NOT_STORED":
		return message.RspMCNotStored
	case "EXISTS":
		return message.RspMCExists
	case "NOT_FOUND":
		return message.RspMCNotFound
	case "DELETED":
		return message.RspMCDeleted
	}
	return message.RspMCTouched
}

// PreSplitCopy lays the retrieval command prefix at the head of the
// sibling chain so every fragment is a wire-correct request.
func (mcProto) PreSplitCopy(m *message.Message, b *message.Mbuf) error {
	switch m.Type {
	case message.ReqMCGet:
		b.CopyIn(getPrefixBytes)
	case message.ReqMCGets:
		b.CopyIn(getsPrefixBytes)
	default:
		return ErrBadRequest
	}
	return nil
}

// PostSplitCopy closes the truncated original with CRLF.
func (mcProto) PostSplitCopy(m *message.Message) error {
	m.AppendBytes(crlfBytes)
	return nil
}

// PreCoalesce strips the per-fragment END terminator so sibling
// responses concatenate into one retrieval body.
func (mcProto) PreCoalesce(m *message.Message) {
	switch m.Type {
	case message.RspMCValue:
		m.TrimTail(len(endBytes))
	case message.RspMCEnd:
		m.TrimTail(m.Len())
	}
}

// PostCoalesce closes the merged retrieval response.
func (mcProto) PostCoalesce(m *message.Message) {
	m.AppendBytes(endBytes)
}
