// Package peer is the replication-plane adapter. Frames between
// nodes travel wrapped in an internode envelope; the adapter parses
// the envelope into the message's dmsg, then hands the inner frame to
// the base family protocol. Malformed frames never tear the peer
// transport down; the parser driver swallows them.
package peer

import (
	"bytes"
	errs "errors"

	"duplex/pkg/conv"
	"duplex/proxy/message"
	"duplex/proxy/proto/memcache"
	"duplex/proxy/proto/redis"
)

var (
	magicBytes = []byte("$2014$")
	crlfBytes  = []byte("\r\n")
	spaceBytes = []byte(" ")
)

// ErrBadEnvelope malformed internode envelope.
var ErrBadEnvelope = errs.New("bad internode envelope")

type peerProto struct {
	base message.Protocol
}

// New wraps a client-plane protocol for the replication plane.
func New(base message.Protocol) message.Protocol {
	return peerProto{base: base}
}

func init() {
	message.Register(message.FamilyMemcache, true, New(memcache.New()))
	message.Register(message.FamilyRedis, true, New(redis.New()))
}

// Parse consumes the envelope first, then delegates the wrapped frame
// to the base family parser. An encrypted payload stays opaque until
// the receive driver swaps in the decrypted segment.
func (p peerProto) Parse(m *message.Message) {
	if m.Dmsg() == nil {
		if !parseEnvelope(m) {
			return
		}
	}
	if d := m.Dmsg(); d.Encrypted() && !d.Done {
		m.Result = message.ParseAgain
		return
	}
	p.base.Parse(m)
}

// parseEnvelope decodes '$2014$ <id> <type> <bitfield> <version>
// <plen>' CRLF terminated; it reports whether parsing may continue
// into the payload.
func parseEnvelope(m *message.Message) bool {
	c := m.Chain()
	eol := c.IndexCRLF(m.Pos)
	if eol < 0 {
		if tail := c.Tail(); tail != nil && tail.Full() {
			m.Result = message.ParseRepair
		} else {
			m.Result = message.ParseAgain
		}
		return false
	}

	toks := bytes.Split(c.CopyRange(m.Pos, eol), spaceBytes)
	if len(toks) != 6 || !bytes.Equal(toks[0], magicBytes) {
		m.MarkError(ErrBadEnvelope)
		m.Result = message.ParseError
		return false
	}
	var vals [5]int64
	for i := 1; i < 6; i++ {
		v, err := conv.Btoi(toks[i])
		if err != nil || v < 0 {
			m.MarkError(ErrBadEnvelope)
			m.Result = message.ParseError
			return false
		}
		vals[i-1] = v
	}
	d := &message.Dmsg{
		ID:       uint64(vals[0]),
		MsgType:  uint8(vals[1]),
		BitField: uint8(vals[2]),
		Version:  uint8(vals[3]),
		Plen:     int(vals[4]),
		Clen:     int(vals[4]),
		HdrLen:   eol + 2 - m.Pos,
	}
	m.SetDmsg(d)
	m.Pos = eol + 2

	if d.Encrypted() {
		// discount ciphertext that came in with the envelope and
		// repair so the payload owns its segment; the receive
		// driver decrypts it in place
		if buffered := c.Len() - m.Pos; buffered > 0 {
			d.Plen -= buffered
			if d.Plen < 0 {
				d.Plen = 0
			}
			m.Result = message.ParseRepair
			return false
		}
	}
	return true
}

// Envelope renders the internode header for one outbound frame.
func Envelope(d *message.Dmsg) []byte {
	var b bytes.Buffer
	b.Write(magicBytes)
	for _, v := range []int64{int64(d.ID), int64(d.MsgType), int64(d.BitField), int64(d.Version), int64(d.Plen)} {
		b.Write(spaceBytes)
		b.WriteString(conv.Itoa(v))
	}
	b.Write(crlfBytes)
	return b.Bytes()
}

func (p peerProto) PreSplitCopy(m *message.Message, b *message.Mbuf) error {
	return p.base.PreSplitCopy(m, b)
}

func (p peerProto) PostSplitCopy(m *message.Message) error {
	return p.base.PostSplitCopy(m)
}

func (p peerProto) PreCoalesce(m *message.Message) {
	p.base.PreCoalesce(m)
}

func (p peerProto) PostCoalesce(m *message.Message) {
	p.base.PostCoalesce(m)
}
