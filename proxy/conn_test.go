package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex/pkg/mockconn"
	libnet "duplex/pkg/net"
	"duplex/proxy/message"
)

func newTestOutConn(t *testing.T) (*Conn, *mockconn.MockConn, *message.Engine) {
	t.Helper()
	eng := message.NewEngine(nil)
	sock, _ := mockconn.CreateDownStreamConn()
	mc := sock.(*mockconn.MockConn)
	c := NewConn(libnet.NewConn(sock, 0, 0), eng, message.FamilyMemcache, false, false, false)
	return c, mc, eng
}

func TestConnSendQueueOrder(t *testing.T) {
	c, mc, eng := newTestOutConn(t)
	var sent []*message.Message
	c.SetSendDone(func(m *message.Message) {
		sent = append(sent, m)
		eng.Put(m)
	})

	a := eng.Get(c, true)
	require.NotNil(t, a)
	a.AppendBytes([]byte("get a\r\n"))
	b := eng.Get(c, true)
	require.NotNil(t, b)
	b.AppendBytes([]byte("get b\r\n"))
	c.EnqueueOut(a)
	c.EnqueueOut(b)
	assert.Equal(t, 2, c.OutLen())

	require.NoError(t, eng.Send(c))
	assert.Equal(t, "get a\r\nget b\r\n", mc.Wbuf.String())
	assert.Equal(t, []*message.Message{a, b}, sent)
	assert.Zero(t, c.OutLen())
}

func TestConnSendNextCursor(t *testing.T) {
	c, _, eng := newTestOutConn(t)
	a := eng.Get(c, true)
	b := eng.Get(c, true)
	c.EnqueueOut(a)
	c.EnqueueOut(b)

	assert.Same(t, a, c.SendNext())
	assert.Same(t, a, c.SMsg())
	assert.Same(t, b, c.SendNext())
	assert.Nil(t, c.SendNext())
	assert.Nil(t, c.SMsg())

	// a fresh pass starts back at the queue front
	assert.Same(t, a, c.SendNext())
	c.SetSMsg(nil)
}

func TestConnCloseReleasesQueued(t *testing.T) {
	c, _, eng := newTestOutConn(t)
	m := eng.Get(c, true)
	c.EnqueueOut(m)
	n := c.RecvNext(true)
	require.NotNil(t, n)

	require.NoError(t, c.Close())
	assert.Zero(t, c.OutLen())
	assert.Equal(t, 2, eng.FreeQueueSize())
}

func TestConnRecvNextAllocGate(t *testing.T) {
	eng := message.NewEngine(nil)
	sock := mockconn.CreateConn([]byte("x"), 1)
	c := NewConn(libnet.NewConn(sock, 0, 0), eng, message.FamilyRedis, false, true, true)

	assert.Nil(t, c.RecvNext(false), "no alloc without permission")
	m := c.RecvNext(true)
	require.NotNil(t, m)
	assert.True(t, m.IsRequest())
	assert.Same(t, m, c.RecvNext(false))
}
