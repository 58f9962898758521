package message

import (
	"github.com/google/btree"

	"duplex/pkg/log"
	"duplex/pkg/prom"
)

// engine defaults; every one of them is tunable through Config.
const (
	// DefaultSegSize is the segment capacity fixed at pool init.
	DefaultSegSize = 16384
	// DefaultSegExtra covers AES IV plus pad for an encrypted chunk.
	DefaultSegExtra = 32
	// DefaultSoftCeil is the allocation limit for non-forced
	// acquires; replication-plane acquires bypass it.
	DefaultSoftCeil = 8192
	// DefaultHardCeil is the absolute allocation ceiling.
	DefaultHardCeil = 10240

	tmoBtreeDegree = 8
)

// Config carries the engine tunables.
type Config struct {
	SegSize  int    `toml:"seg_size"`
	SegExtra int    `toml:"seg_extra"`
	SoftCeil uint32 `toml:"soft_ceil"`
	HardCeil uint32 `toml:"hard_ceil"`
}

func (c *Config) fill() {
	if c.SegSize <= 0 {
		c.SegSize = DefaultSegSize
	}
	if c.SegExtra <= 0 {
		c.SegExtra = DefaultSegExtra
	}
	if c.SoftCeil == 0 {
		c.SoftCeil = DefaultSoftCeil
	}
	if c.HardCeil == 0 {
		c.HardCeil = DefaultHardCeil
	}
}

// Engine owns the per-event-loop mutable state: message free list,
// segment pool, id counters and the timeout index. One engine is
// confined to one loop goroutine; nothing in it is locked.
type Engine struct {
	cfg Config

	msgID  uint64
	fragID uint64

	freeMsg  *Message
	nfreeMsg uint32
	nalloc   uint32

	mbufs *MbufPool
	tmo   *btree.BTree
}

// NewEngine creates an engine; a nil config takes every default.
func NewEngine(cfg *Config) *Engine {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.fill()
	return &Engine{
		cfg:   c,
		mbufs: NewMbufPool(c.SegSize, c.SegExtra),
		tmo:   btree.New(tmoBtreeDegree),
	}
}

// Mbufs returns the engine segment pool.
func (e *Engine) Mbufs() *MbufPool {
	return e.mbufs
}

// Allocated returns the live message shell count.
func (e *Engine) Allocated() int {
	return int(e.nalloc)
}

// FreeQueueSize returns the free-list length.
func (e *Engine) FreeQueueSize() int {
	return int(e.nfreeMsg)
}

// get pulls a shell from the free list or allocates one under the
// ceilings. force is asserted on the replication plane so inbound
// replication is never dropped because client traffic saturated the
// pool.
func (e *Engine) get(force bool) *Message {
	if m := e.freeMsg; m != nil {
		e.freeMsg = m.next
		e.nfreeMsg--
		return e.init(m)
	}

	if e.nalloc >= e.cfg.HardCeil {
		return nil
	}
	if e.nalloc >= e.cfg.SoftCeil && !force {
		log.V(1).Infof("allocated #msgs %d hit soft limit", e.nalloc)
		return nil
	}

	e.nalloc++
	return e.init(&Message{})
}

func (e *Engine) init(m *Message) *Message {
	m.next = nil
	m.resetFields()
	e.msgID++
	m.id = e.msgID
	m.eng = e
	prom.MsgPoolState(int(e.nalloc), int(e.nfreeMsg))
	return m
}

// Get acquires a message bound to conn's family, plane and role.
// It returns nil when the pool is exhausted.
func (e *Engine) Get(conn Conn, request bool) *Message {
	m := e.get(conn.DynMode())
	if m == nil {
		return nil
	}
	m.owner = conn
	m.request = request
	m.family = conn.Family()
	m.dynMode = conn.DynMode()
	m.proto = Lookup(m.family, m.dynMode)
	log.V(3).Infof("get msg %d request %v family %s", m.id, request, m.family)
	return m
}

// Put recycles m: the envelope is dropped, the chain drained into the
// segment pool, the peer link broken, the timeout entry deleted and
// the shell pushed onto the free-list head for warm reuse.
func (e *Engine) Put(m *Message) {
	log.V(3).Infof("put msg %d", m.id)
	m.dmsg = nil
	m.chain.Drain()
	m.mlen = 0
	m.unlinkPeer()
	e.TmoDelete(m)
	m.next = e.freeMsg
	e.freeMsg = m
	e.nfreeMsg++
	prom.MsgPoolState(int(e.nalloc), int(e.nfreeMsg))
}

// Shutdown drops the free list. It reports how many shells are still
// live outside the free list; a non-zero count is a leak.
func (e *Engine) Shutdown() (leaked int) {
	for m := e.freeMsg; m != nil; m = m.next {
		e.nfreeMsg--
		e.nalloc--
	}
	e.freeMsg = nil
	return int(e.nalloc)
}
