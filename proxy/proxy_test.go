package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex/pkg/crypto"
	"duplex/pkg/mockconn"
	libnet "duplex/pkg/net"
	"duplex/pkg/prom"
	"duplex/proxy/message"
	"duplex/proxy/proto/peer"
)

func init() {
	// metrics stay dark in tests
	prom.On = false
}

type handlerEnv struct {
	h        *Handler
	front    *mockconn.MockConn
	backend  *mockconn.MockConn
	peerSock *mockconn.MockConn
}

// newHandlerEnv builds a handler over scripted sockets: one front
// read script, one backend read script, an optional peer sink.
func newHandlerEnv(t *testing.T, lc *ListenConfig, frontIn, backendIn []byte, dyn, withPeer bool) *handlerEnv {
	t.Helper()
	family, err := lc.family()
	require.NoError(t, err)
	eng := message.NewEngine(&lc.Engine)

	fsock := mockconn.CreateConn(frontIn, 1).(*mockconn.MockConn)
	bsock := mockconn.CreateConn(backendIn, 1).(*mockconn.MockConn)
	front := NewConn(libnet.NewConn(fsock, 0, 0), eng, family, dyn, true, true)
	backend := NewConn(libnet.NewConn(bsock, 0, 0), eng, family, false, false, false)

	var peers []*Conn
	env := &handlerEnv{front: fsock, backend: bsock}
	if withPeer {
		psock, _ := mockconn.CreateDownStreamConn()
		env.peerSock = psock.(*mockconn.MockConn)
		peers = append(peers, NewConn(libnet.NewConn(psock, 0, 0), eng, family, true, false, false))
	}
	env.h = newHandler(lc, eng, family, front, backend, peers, dyn)
	return env
}

func TestHandlerSingleGet(t *testing.T) {
	lc := &ListenConfig{Name: "t", Family: "memcache", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc,
		[]byte("get foo\r\n"),
		[]byte("VALUE foo 0 3\r\nbar\r\nEND\r\n"),
		false, false)

	env.h.loop()
	assert.Equal(t, "get foo\r\n", env.backend.Wbuf.String())
	assert.Equal(t, "VALUE foo 0 3\r\nbar\r\nEND\r\n", env.front.Wbuf.String())
}

func TestHandlerPipelinedCommands(t *testing.T) {
	lc := &ListenConfig{Name: "t", Family: "memcache", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc,
		[]byte("get a\r\nget b\r\n"),
		[]byte("END\r\nVALUE b 0 1\r\nx\r\nEND\r\n"),
		false, false)

	env.h.loop()
	assert.Equal(t, "get a\r\nget b\r\n", env.backend.Wbuf.String())
	assert.Equal(t, "END\r\nVALUE b 0 1\r\nx\r\nEND\r\n", env.front.Wbuf.String())
}

func TestHandlerMGetCoalesce(t *testing.T) {
	lc := &ListenConfig{Name: "t", Family: "redis", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc,
		[]byte("*4\r\n$4\r\nmget\r\n$2\r\nk1\r\n$2\r\nk2\r\n$2\r\nk3\r\n"),
		[]byte("*1\r\n$2\r\nv1\r\n*1\r\n$2\r\nv2\r\n*1\r\n$2\r\nv3\r\n"),
		false, false)

	env.h.loop()
	// three single-key fragments hit the backend
	assert.Equal(t,
		"*2\r\n$4\r\nmget\r\n$2\r\nk1\r\n*2\r\n$4\r\nmget\r\n$2\r\nk2\r\n*2\r\n$4\r\nmget\r\n$2\r\nk3\r\n",
		env.backend.Wbuf.String())
	// one merged array reaches the client
	assert.Equal(t, "*3\r\n$2\r\nv1\r\n$2\r\nv2\r\n$2\r\nv3\r\n", env.front.Wbuf.String())
}

func TestHandlerDelCoalesceCounts(t *testing.T) {
	lc := &ListenConfig{Name: "t", Family: "redis", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc,
		[]byte("*3\r\n$3\r\ndel\r\n$2\r\nk1\r\n$2\r\nk2\r\n"),
		[]byte(":1\r\n:0\r\n"),
		false, false)

	env.h.loop()
	assert.Equal(t, ":1\r\n", env.front.Wbuf.String())
}

func TestHandlerNoreplyGetsNoResponse(t *testing.T) {
	lc := &ListenConfig{Name: "t", Family: "memcache", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc,
		[]byte("set k 0 0 2 noreply\r\nhi\r\n"),
		nil,
		false, false)

	env.h.loop()
	assert.Equal(t, "set k 0 0 2 noreply\r\nhi\r\n", env.backend.Wbuf.String())
	assert.Zero(t, env.front.Wbuf.Len())
}

func TestHandlerBackendErrorSynthesises(t *testing.T) {
	lc := &ListenConfig{Name: "t", Family: "memcache", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc,
		[]byte("get foo\r\n"),
		nil, // backend EOFs immediately
		false, false)

	env.h.loop()
	assert.Contains(t, env.front.Wbuf.String(), "SERVER_ERROR Storage:")
}

func TestHandlerReplicatesWrites(t *testing.T) {
	lc := &ListenConfig{Name: "t", Family: "memcache", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc,
		[]byte("set k 0 0 2\r\nhi\r\nget k\r\n"),
		[]byte("STORED\r\nVALUE k 0 2\r\nhi\r\nEND\r\n"),
		false, true)

	env.h.loop()
	wire := env.peerSock.Wbuf.Bytes()
	// reads are not replicated; exactly one enveloped frame
	require.NotEmpty(t, wire)
	assert.Equal(t, "$2014$", string(wire[:6]))
	assert.Contains(t, string(wire), "set k 0 0 2\r\nhi\r\n")
	assert.NotContains(t, string(wire), "get k")
}

func TestHandlerReplicatesEncrypted(t *testing.T) {
	key := "0123456789abcdef"
	lc := &ListenConfig{Name: "t", Family: "memcache", ListenAddr: ":0", Backend: ":0", AESKey: key}
	env := newHandlerEnv(t, lc,
		[]byte("set k 0 0 2\r\nhi\r\n"),
		[]byte("STORED\r\n"),
		false, true)

	env.h.loop()
	wire := env.peerSock.Wbuf.Bytes()
	require.NotEmpty(t, wire)

	// reparse the envelope and open the payload
	eng := message.NewEngine(nil)
	m := eng.Get(env.h.front, true)
	require.NotNil(t, m)
	m.AppendBytes(wire)
	p := message.Lookup(message.FamilyMemcache, true)
	p.Parse(m)
	d := m.Dmsg()
	require.NotNil(t, d)
	assert.Equal(t, uint8(1), d.BitField)

	sealed := wire[d.HdrLen : d.HdrLen+d.Clen]
	plain, err := crypto.Decrypt(sealed, []byte(key))
	require.NoError(t, err)
	assert.Equal(t, "set k 0 0 2\r\nhi\r\n", string(plain))
}

func TestHandlerDynInboundSwallowsResponse(t *testing.T) {
	inner := "set k 0 0 2\r\nhi\r\n"
	env0 := peer.Envelope(&message.Dmsg{ID: 1, MsgType: 1, Version: 1, Plen: len(inner)})
	lc := &ListenConfig{Name: "t", Family: "memcache", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc,
		append(env0, inner...),
		[]byte("STORED\r\n"),
		true, false)

	env.h.loop()
	assert.Equal(t, inner, env.backend.Wbuf.String(), "envelope stripped before the backend")
	assert.Zero(t, env.front.Wbuf.Len(), "replication responses are swallowed")
}

func TestHandlerQuitClosesCleanly(t *testing.T) {
	lc := &ListenConfig{Name: "t", Family: "memcache", ListenAddr: ":0", Backend: ":0"}
	env := newHandlerEnv(t, lc, []byte("quit\r\n"), nil, false, false)

	done := make(chan struct{})
	go func() {
		env.h.loop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop on quit")
	}
	assert.Zero(t, env.backend.Wbuf.Len())
}
