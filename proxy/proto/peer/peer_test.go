package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex/proxy/message"
)

type testConn struct {
	family message.Family
	err    error
}

func (f *testConn) Recv(p []byte) (int, error)                  { return 0, message.ErrAgain }
func (f *testConn) Sendv(b net.Buffers, total int) (int, error) { return 0, message.ErrAgain }
func (f *testConn) RecvNext(alloc bool) *message.Message        { return nil }
func (f *testConn) SendNext() *message.Message                  { return nil }
func (f *testConn) RecvDone(m, next *message.Message)           {}
func (f *testConn) SendDone(m *message.Message)                 {}
func (f *testConn) Family() message.Family                      { return f.family }
func (f *testConn) DynMode() bool                               { return true }
func (f *testConn) Client() bool                                { return false }
func (f *testConn) RecvReady() bool                             { return false }
func (f *testConn) SetRecvReady(v bool)                         {}
func (f *testConn) SendReady() bool                             { return false }
func (f *testConn) SetSendReady(v bool)                         {}
func (f *testConn) SMsg() *message.Message                      { return nil }
func (f *testConn) SetSMsg(m *message.Message)                  {}
func (f *testConn) ServerTimeout() time.Duration                { return 0 }
func (f *testConn) AESKey() []byte                              { return nil }
func (f *testConn) Err() error                                  { return f.err }
func (f *testConn) SetErr(err error)                            { f.err = err }

func newDynMsg(t *testing.T, eng *message.Engine, wire []byte) *message.Message {
	m := eng.Get(&testConn{family: message.FamilyRedis}, true)
	require.NotNil(t, m)
	m.AppendBytes(wire)
	return m
}

func TestEnvelopeRender(t *testing.T) {
	d := &message.Dmsg{ID: 42, MsgType: 1, BitField: 1, Version: 2, Plen: 160}
	assert.Equal(t, "$2014$ 42 1 1 2 160\r\n", string(Envelope(d)))
}

func TestParsePlainEnvelopeDelegates(t *testing.T) {
	eng := message.NewEngine(nil)
	p := message.Lookup(message.FamilyRedis, true)
	require.NotNil(t, p)

	inner := "*2\r\n$3\r\nget\r\n$3\r\nfoo\r\n"
	env := Envelope(&message.Dmsg{ID: 3, MsgType: 1, Version: 1, Plen: len(inner)})
	m := newDynMsg(t, eng, append(env, inner...))

	p.Parse(m)
	assert.Equal(t, message.ParseOK, m.Result)
	require.NotNil(t, m.Dmsg())
	assert.Equal(t, uint64(3), m.Dmsg().ID)
	assert.Equal(t, len(env), m.Dmsg().HdrLen)
	assert.Equal(t, message.ReqRedisGet, m.Type)
	assert.Equal(t, "foo", string(m.KeyBytes()))
}

func TestParseEnvelopeIncomplete(t *testing.T) {
	eng := message.NewEngine(nil)
	p := message.Lookup(message.FamilyRedis, true)

	m := newDynMsg(t, eng, []byte("$2014$ 3 1 0"))
	p.Parse(m)
	assert.Equal(t, message.ParseAgain, m.Result)
	assert.Nil(t, m.Dmsg())
}

func TestParseEnvelopeBadMagic(t *testing.T) {
	eng := message.NewEngine(nil)
	p := message.Lookup(message.FamilyRedis, true)

	m := newDynMsg(t, eng, []byte("$1999$ 3 1 0 1 9\r\n"))
	p.Parse(m)
	assert.Equal(t, message.ParseError, m.Result)
	assert.True(t, m.Error())
}

func TestParseEnvelopeBadFieldCount(t *testing.T) {
	eng := message.NewEngine(nil)
	p := message.Lookup(message.FamilyRedis, true)

	m := newDynMsg(t, eng, []byte("$2014$ 3 1\r\n"))
	p.Parse(m)
	assert.Equal(t, message.ParseError, m.Result)
}

func TestEncryptedEnvelopeWaitsForPayload(t *testing.T) {
	eng := message.NewEngine(nil)
	p := message.Lookup(message.FamilyMemcache, true)
	require.NotNil(t, p)

	env := Envelope(&message.Dmsg{ID: 5, MsgType: 1, BitField: 1, Version: 1, Plen: 48})
	m := eng.Get(&testConn{family: message.FamilyMemcache}, true)
	require.NotNil(t, m)
	m.AppendBytes(env)

	p.Parse(m)
	assert.Equal(t, message.ParseAgain, m.Result)
	require.NotNil(t, m.Dmsg())
	assert.Equal(t, 48, m.Dmsg().Plen)
	assert.False(t, m.Dmsg().Done)
}
