package message_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex/proxy/message"
)

func TestFragmentRedisMGet(t *testing.T) {
	eng := message.NewEngine(nil)
	c := newTestConn(eng, message.FamilyRedis, false, true)
	c.feed([]byte("*4\r\n$4\r\nmget\r\n$2\r\nk1\r\n$2\r\nk2\r\n$2\r\nk3\r\n"))

	require.NoError(t, eng.Recv(c))
	require.Len(t, c.frames, 3)
	owner, s1, s2 := c.frames[0], c.frames[1], c.frames[2]

	// P5: one first, one last, a shared id, nfrag on the owner
	assert.NotZero(t, owner.FragID())
	assert.Equal(t, owner.FragID(), s1.FragID())
	assert.Equal(t, owner.FragID(), s2.FragID())
	assert.True(t, owner.FirstFragment())
	assert.False(t, s1.FirstFragment())
	assert.False(t, s2.FirstFragment())
	assert.False(t, owner.LastFragment())
	assert.False(t, s1.LastFragment())
	assert.True(t, s2.LastFragment())
	assert.Equal(t, uint32(3), owner.NFrag())
	assert.Same(t, owner, s1.FragOwner())
	assert.Same(t, owner, s2.FragOwner())

	// every fragment is a wire-correct single-key request
	assert.Equal(t, "*2\r\n$4\r\nmget\r\n$2\r\nk1\r\n", chainString(owner))
	assert.Equal(t, "*2\r\n$4\r\nmget\r\n$2\r\nk2\r\n", chainString(s1))
	assert.Equal(t, "*2\r\n$4\r\nmget\r\n$2\r\nk3\r\n", chainString(s2))
	assert.Equal(t, "k1", string(owner.KeyBytes()))
}

// round-trip law: a re-emitted fragment parses to the same semantics
func TestFragmentRoundTrip(t *testing.T) {
	eng := message.NewEngine(nil)
	c := newTestConn(eng, message.FamilyRedis, false, true)
	c.feed([]byte("*3\r\n$4\r\nmget\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
	require.NoError(t, eng.Recv(c))
	require.Len(t, c.frames, 2)

	keys := []string{"foo", "bar"}
	for i, frag := range c.frames {
		reng := message.NewEngine(nil)
		rc := newTestConn(reng, message.FamilyRedis, false, true)
		rc.feed(frag.Chain().CopyRange(0, frag.Len()))
		require.NoError(t, reng.Recv(rc))
		require.Len(t, rc.frames, 1, "fragment %d", i)
		rm := rc.frames[0]
		assert.Equal(t, message.ReqRedisMGet, rm.Type)
		assert.Equal(t, keys[i], string(rm.KeyBytes()))
		assert.Zero(t, rm.FragID(), "single key, no further split")
	}
}

func TestFragmentRedisMSetPairs(t *testing.T) {
	eng := message.NewEngine(nil)
	c := newTestConn(eng, message.FamilyRedis, false, true)
	c.feed([]byte("*5\r\n$4\r\nmset\r\n$2\r\nka\r\n$2\r\nva\r\n$2\r\nkb\r\n$2\r\nvb\r\n"))

	require.NoError(t, eng.Recv(c))
	require.Len(t, c.frames, 2)
	assert.Equal(t, "*3\r\n$4\r\nmset\r\n$2\r\nka\r\n$2\r\nva\r\n", chainString(c.frames[0]))
	assert.Equal(t, "*3\r\n$4\r\nmset\r\n$2\r\nkb\r\n$2\r\nvb\r\n", chainString(c.frames[1]))
	assert.Equal(t, uint32(2), c.frames[0].NFrag())
	assert.False(t, c.frames[0].IsRead)
}

func TestFragmentMemcacheMultiGet(t *testing.T) {
	eng := message.NewEngine(nil)
	c := newTestConn(eng, message.FamilyMemcache, false, true)
	c.feed([]byte("get k1 k2 k3\r\n"))

	require.NoError(t, eng.Recv(c))
	require.Len(t, c.frames, 3)
	owner := c.frames[0]
	assert.Equal(t, uint32(3), owner.NFrag())
	assert.Equal(t, "get k1 \r\n", chainString(owner))
	assert.Equal(t, "get k2 \r\n", chainString(c.frames[1]))
	assert.Equal(t, "get k3\r\n", chainString(c.frames[2]))
	for i, want := range []string{"k1", "k2", "k3"} {
		assert.Equal(t, want, string(c.frames[i].KeyBytes()), "fragment %d", i)
	}
	assert.True(t, c.frames[2].LastFragment())
}

func TestFragmentGroupSurvivesTrailingCommand(t *testing.T) {
	// a pipelined single-key command after the multi-get stays its
	// own unfragmented message
	eng := message.NewEngine(nil)
	c := newTestConn(eng, message.FamilyMemcache, false, true)
	c.feed([]byte("get k1 k2\r\ndelete zz\r\n"))

	require.NoError(t, eng.Recv(c))
	require.Len(t, c.frames, 3)
	assert.NotZero(t, c.frames[0].FragID())
	assert.Equal(t, c.frames[0].FragID(), c.frames[1].FragID())
	assert.Zero(t, c.frames[2].FragID())
	assert.Equal(t, message.ReqMCDelete, c.frames[2].Type)
}
