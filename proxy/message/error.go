package message

import (
	"fmt"

	"duplex/pkg/log"
)

// GetError synthesises a one-line error response frame in the
// family's wire format: error prefix, source tag and the system
// error text, CRLF terminated. The acquire is forced; nil means even
// the hard ceiling is spent.
func (e *Engine) GetError(family Family, src ErrSource, sysErr error) *Message {
	m := e.get(true)
	if m == nil {
		return nil
	}
	m.family = family

	errstr := "unknown"
	if sysErr != nil {
		errstr = sysErr.Error()
	}
	protstr := "SERVER_ERROR"
	m.Type = RspMCServerError
	if family == FamilyRedis {
		protstr = "-ERR"
		m.Type = RspRedisError
	}

	b := e.mbufs.Get()
	n := b.CopyIn([]byte(fmt.Sprintf("%s %s %s\r\n", protstr, src, errstr)))
	m.chain.PushBack(b)
	m.mlen = n

	log.V(2).Infof("get msg %d len %d error '%s'", m.id, m.mlen, errstr)
	return m
}
