package proxy

import (
	"duplex/pkg/log"
	"duplex/proxy/message"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Config proxy config.
type Config struct {
	Pprof string
	Debug bool
	Log   string
	LogVL int `toml:"log_vl"`
}

// LogConfig builds the logger config.
func (c *Config) LogConfig() *log.Config {
	return &log.Config{Debug: c.Debug, Log: c.Log, LogVL: c.LogVL}
}

// DefaultConfig new config by defalut string.
func DefaultConfig() *Config {
	c := &Config{}
	if _, err := toml.Decode(defaultConfig, c); err != nil {
		panic(err)
	}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

// LoadFromFile load from file.
func (c *Config) LoadFromFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "Load From File:%s", path)
	}
	return c.Validate()
}

// Validate validate config field value.
func (c *Config) Validate() error {
	return nil
}

// ListenConfig is the per-listener config: one front family, one
// backend storage server, optional replication peers.
type ListenConfig struct {
	Name       string
	Family     string `toml:"family"`
	ListenAddr string `toml:"listen_addr"`
	Backend    string
	Peers      []string

	// DynListenAddr accepts inbound replication traffic wrapped in
	// the internode envelope.
	DynListenAddr string `toml:"dyn_listen_addr"`
	// AESKey enables payload encryption on the replication plane,
	// 16 bytes.
	AESKey string `toml:"aes_key"`

	DialTimeout   int `toml:"dial_timeout"`
	ReadTimeout   int `toml:"read_timeout"`
	WriteTimeout  int `toml:"write_timeout"`
	ServerTimeout int `toml:"server_timeout"`

	Engine message.Config `toml:"engine"`
}

// family maps the config string onto the wire family.
func (lc *ListenConfig) family() (message.Family, error) {
	switch lc.Family {
	case "memcache":
		return message.FamilyMemcache, nil
	case "redis":
		return message.FamilyRedis, nil
	}
	return message.FamilyUnknown, errors.Errorf("unsupported family %s", lc.Family)
}

// Validate validate config field value.
func (lc *ListenConfig) Validate() error {
	if _, err := lc.family(); err != nil {
		return err
	}
	if lc.ListenAddr == "" {
		return errors.New("listen_addr must be set")
	}
	if lc.Backend == "" {
		return errors.New("backend must be set")
	}
	if lc.AESKey != "" && len(lc.AESKey) != 16 {
		return errors.New("aes_key must be 16 bytes")
	}
	return nil
}

// ListenConfigs listener configs.
type ListenConfigs struct {
	Listeners []*ListenConfig
}

// LoadFromFile load from file.
func (lcs *ListenConfigs) LoadFromFile(path string) error {
	_, err := toml.DecodeFile(path, lcs)
	if err != nil {
		return errors.Wrapf(err, "Load From File:%s", path)
	}
	for _, lc := range lcs.Listeners {
		if err = lc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Watch reloads the listener file on change and hands the result to
// apply. It installs nothing itself; running handlers keep the
// configs they were built with.
func (lcs *ListenConfigs) Watch(path string, apply func(*ListenConfigs)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "ListenConfigs Watch")
	}
	if err = w.Add(path); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "ListenConfigs Watch add %s", path)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				ncs := &ListenConfigs{}
				if err := ncs.LoadFromFile(path); err != nil {
					log.Errorf("reload %s error:%+v", path, err)
					continue
				}
				log.Infof("reload %s with %d listeners", path, len(ncs.Listeners))
				apply(ncs)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Errorf("watch %s error:%+v", path, err)
			}
		}
	}()
	return func() { _ = w.Close() }, nil
}

const defaultConfig = `
##################################################
#                                                #
#                     Duplex                     #
#     a replication proxy for non-distributed    #
#        memcache & redis storage servers        #
#                 written in Go                  #
#                                                #
##################################################
pprof = "0.0.0.0:2110"
debug = false
log = ""
log_vl = 0
`
