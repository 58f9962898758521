package proxy

import (
	"net"
	"time"

	"github.com/edwingeng/deque/v2"

	libnet "duplex/pkg/net"
	"duplex/proxy/message"
)

// Conn adapts one transport socket to the engine's connection
// contract. The proxy runs three kinds: client front conns (parse
// requests, write responses), backend conns (write requests, parse
// responses) and replication peer conns (enveloped frames).
type Conn struct {
	sock *libnet.Conn
	eng  *message.Engine

	family  message.Family
	dyn     bool
	client  bool
	recvReq bool

	serverTimeout time.Duration
	aesKey        []byte

	recvReady bool
	sendReady bool
	err       error

	rmsg *message.Message
	outq *deque.Deque[*message.Message]
	smsg *message.Message
	sidx int

	// onRecvDone fires per parsed frame; the handler owns queueing.
	onRecvDone func(m, next *message.Message)
	// onSendDone fires per fully-written message.
	onSendDone func(m *message.Message)
}

// NewConn wraps sock for the engine. recvReq tells which role this
// side parses: requests on front and replication-inbound conns,
// responses on backend conns.
func NewConn(sock *libnet.Conn, eng *message.Engine, family message.Family, dyn, client, recvReq bool) *Conn {
	return &Conn{
		sock:    sock,
		eng:     eng,
		family:  family,
		dyn:     dyn,
		client:  client,
		recvReq: recvReq,
		outq:    deque.NewDeque[*message.Message](),
	}
}

// SetServerTimeout sets the per-backend deadline budget.
func (c *Conn) SetServerTimeout(d time.Duration) {
	c.serverTimeout = d
}

// SetAESKey arms replication payload encryption.
func (c *Conn) SetAESKey(key []byte) {
	c.aesKey = key
}

// SetRecvDone installs the parsed-frame hook.
func (c *Conn) SetRecvDone(fn func(m, next *message.Message)) {
	c.onRecvDone = fn
}

// SetSendDone installs the written-message hook.
func (c *Conn) SetSendDone(fn func(m *message.Message)) {
	c.onSendDone = fn
}

// Recv reads into p. A short read clears recv-ready so the engine
// yields back to the handler loop.
func (c *Conn) Recv(p []byte) (int, error) {
	n, err := c.sock.Read(p)
	if n < len(p) {
		c.recvReady = false
	}
	return n, err
}

// Sendv writes the gathered spans in one scatter-gather call.
func (c *Conn) Sendv(bufs net.Buffers, total int) (int, error) {
	c.sendReady = false
	if len(bufs) == 0 {
		return 0, nil
	}
	n, err := c.sock.Writev(&bufs)
	return int(n), err
}

// RecvNext picks the inbound message to parse into.
func (c *Conn) RecvNext(alloc bool) *message.Message {
	if c.rmsg == nil && alloc {
		c.rmsg = c.eng.Get(c, c.recvReq)
	}
	return c.rmsg
}

// RecvDone hands off a parsed frame and continues on next.
func (c *Conn) RecvDone(m, next *message.Message) {
	c.rmsg = next
	if c.onRecvDone != nil {
		c.onRecvDone(m, next)
	}
}

// EnqueueOut queues m for sending.
func (c *Conn) EnqueueOut(m *message.Message) {
	c.outq.PushBack(m)
}

// OutLen returns the outbound queue depth.
func (c *Conn) OutLen() int {
	return c.outq.Len()
}

// SendNext walks the outbound queue; the first call of a send pass
// returns the front, later calls the next queued message.
func (c *Conn) SendNext() *message.Message {
	if c.smsg == nil {
		c.sidx = 0
	} else {
		c.sidx++
	}
	if c.sidx >= c.outq.Len() {
		c.smsg = nil
		return nil
	}
	c.smsg = c.outq.Peek(c.sidx)
	return c.smsg
}

// SendDone removes the completed front message and notifies the
// handler.
func (c *Conn) SendDone(m *message.Message) {
	if c.outq.Len() > 0 && c.outq.Peek(0) == m {
		c.outq.PopFront()
	}
	if c.onSendDone != nil {
		c.onSendDone(m)
	}
}

// Family implements message.Conn.
func (c *Conn) Family() message.Family { return c.family }

// DynMode implements message.Conn.
func (c *Conn) DynMode() bool { return c.dyn }

// Client implements message.Conn.
func (c *Conn) Client() bool { return c.client }

// RecvReady implements message.Conn.
func (c *Conn) RecvReady() bool { return c.recvReady }

// SetRecvReady implements message.Conn.
func (c *Conn) SetRecvReady(v bool) { c.recvReady = v }

// SendReady implements message.Conn.
func (c *Conn) SendReady() bool { return c.sendReady }

// SetSendReady implements message.Conn.
func (c *Conn) SetSendReady(v bool) { c.sendReady = v }

// SMsg implements message.Conn.
func (c *Conn) SMsg() *message.Message { return c.smsg }

// SetSMsg implements message.Conn.
func (c *Conn) SetSMsg(m *message.Message) { c.smsg = m }

// ServerTimeout implements message.Conn.
func (c *Conn) ServerTimeout() time.Duration { return c.serverTimeout }

// AESKey implements message.Conn.
func (c *Conn) AESKey() []byte { return c.aesKey }

// Err implements message.Conn.
func (c *Conn) Err() error { return c.err }

// SetErr keeps the first fatal error sticky.
func (c *Conn) SetErr(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Close closes the transport and releases every queued message; each
// drops its timeout entry before recycling.
func (c *Conn) Close() error {
	if c.rmsg != nil {
		c.eng.Put(c.rmsg)
		c.rmsg = nil
	}
	for c.outq.Len() > 0 {
		c.eng.Put(c.outq.PopFront())
	}
	c.smsg = nil
	return c.sock.Close()
}
