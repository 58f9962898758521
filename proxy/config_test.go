package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex/proxy/message"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "0.0.0.0:2110", c.Pprof)
	assert.False(t, c.Debug)
	assert.NotNil(t, c.LogConfig())
}

func TestListenConfigsLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "listeners.toml")
	data := `
[[listeners]]
name = "default"
family = "redis"
listen_addr = "0.0.0.0:26379"
backend = "127.0.0.1:6379"
peers = ["10.0.0.2:26380"]
dyn_listen_addr = "0.0.0.0:26380"
aes_key = "0123456789abcdef"
dial_timeout = 100
read_timeout = 100
write_timeout = 100
server_timeout = 500

[listeners.engine]
seg_size = 4096
soft_ceil = 1024
hard_ceil = 2048
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	lcs := &ListenConfigs{}
	require.NoError(t, lcs.LoadFromFile(path))
	require.Len(t, lcs.Listeners, 1)
	lc := lcs.Listeners[0]
	assert.Equal(t, "default", lc.Name)
	assert.Equal(t, 4096, lc.Engine.SegSize)
	assert.Equal(t, uint32(2048), lc.Engine.HardCeil)
	f, err := lc.family()
	require.NoError(t, err)
	assert.Equal(t, message.FamilyRedis, f)
}

func TestListenConfigValidate(t *testing.T) {
	lc := &ListenConfig{Family: "redis", ListenAddr: ":1", Backend: ":2"}
	assert.NoError(t, lc.Validate())

	bad := &ListenConfig{Family: "mysql", ListenAddr: ":1", Backend: ":2"}
	assert.Error(t, bad.Validate())

	nokey := &ListenConfig{Family: "redis", ListenAddr: ":1", Backend: ":2", AESKey: "short"}
	assert.Error(t, nokey.Validate())

	nolisten := &ListenConfig{Family: "redis", Backend: ":2"}
	assert.Error(t, nolisten.Validate())
}
