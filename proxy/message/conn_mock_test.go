package message_test

import (
	"bytes"
	"net"
	"time"

	"duplex/proxy/message"
)

// testConn scripts reads chunk by chunk and captures writes, so the
// tests can drive the engine through exact read and write
// interleavings.
type testConn struct {
	eng    *message.Engine
	family message.Family
	dyn    bool
	reqs   bool
	key    []byte

	timeout time.Duration

	chunks [][]byte
	ri     int

	rmsg   *message.Message
	frames []*message.Message
	nexts  []*message.Message

	outq []*message.Message
	smsg *message.Message
	sidx int
	done []*message.Message

	wrote    bytes.Buffer
	writeCap int
	sendvErr error
	iovLens  []int

	recvReady bool
	sendReady bool
	err       error
}

func newTestConn(eng *message.Engine, family message.Family, dyn, reqs bool) *testConn {
	return &testConn{eng: eng, family: family, dyn: dyn, reqs: reqs}
}

func (c *testConn) feed(b []byte) {
	c.chunks = append(c.chunks, b)
}

func (c *testConn) enqueue(m *message.Message) {
	c.outq = append(c.outq, m)
}

func (c *testConn) Recv(p []byte) (int, error) {
	if c.ri >= len(c.chunks) {
		c.recvReady = false
		return 0, message.ErrAgain
	}
	ch := c.chunks[c.ri]
	n := copy(p, ch)
	if n < len(ch) {
		c.chunks[c.ri] = ch[n:]
	} else {
		c.ri++
	}
	if c.ri >= len(c.chunks) {
		c.recvReady = false
	}
	return n, nil
}

func (c *testConn) Sendv(bufs net.Buffers, total int) (int, error) {
	c.sendReady = false
	c.iovLens = append(c.iovLens, len(bufs))
	if c.sendvErr != nil {
		return 0, c.sendvErr
	}
	n := total
	if c.writeCap > 0 && n > c.writeCap {
		n = c.writeCap
	}
	left := n
	for _, b := range bufs {
		if left == 0 {
			break
		}
		if len(b) > left {
			b = b[:left]
		}
		c.wrote.Write(b)
		left -= len(b)
	}
	return n, nil
}

func (c *testConn) RecvNext(alloc bool) *message.Message {
	if c.rmsg == nil && alloc {
		c.rmsg = c.eng.Get(c, c.reqs)
	}
	return c.rmsg
}

func (c *testConn) SendNext() *message.Message {
	if c.smsg == nil {
		c.sidx = 0
	} else {
		c.sidx++
	}
	if c.sidx >= len(c.outq) {
		c.smsg = nil
		return nil
	}
	c.smsg = c.outq[c.sidx]
	return c.smsg
}

func (c *testConn) RecvDone(m, next *message.Message) {
	c.frames = append(c.frames, m)
	c.nexts = append(c.nexts, next)
	c.rmsg = next
}

func (c *testConn) SendDone(m *message.Message) {
	if len(c.outq) > 0 && c.outq[0] == m {
		c.outq = c.outq[1:]
	}
	c.done = append(c.done, m)
}

func (c *testConn) Family() message.Family       { return c.family }
func (c *testConn) DynMode() bool                { return c.dyn }
func (c *testConn) Client() bool                 { return true }
func (c *testConn) RecvReady() bool              { return c.recvReady }
func (c *testConn) SetRecvReady(v bool)          { c.recvReady = v }
func (c *testConn) SendReady() bool              { return c.sendReady }
func (c *testConn) SetSendReady(v bool)          { c.sendReady = v }
func (c *testConn) SMsg() *message.Message       { return c.smsg }
func (c *testConn) SetSMsg(m *message.Message)   { c.smsg = m }
func (c *testConn) ServerTimeout() time.Duration { return c.timeout }
func (c *testConn) AESKey() []byte               { return c.key }
func (c *testConn) Err() error                   { return c.err }
func (c *testConn) SetErr(err error) {
	if c.err == nil {
		c.err = err
	}
}

func chainString(m *message.Message) string {
	return string(m.Chain().CopyRange(0, m.Len()))
}
