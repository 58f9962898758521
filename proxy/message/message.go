package message

import (
	"fmt"
	"time"

	"duplex/pkg/log"
)

// Message carries parsing and I/O state for one request or response.
// Request and response pair through peer; fragments of one multi-key
// request share fragID and reach their head through fragOwner.
type Message struct {
	id    uint64
	owner Conn
	peer  *Message
	eng   *Engine
	next  *Message // free-list link

	request bool
	family  Family
	dynMode bool

	chain Chain
	mlen  int

	proto Protocol

	// parser scratch, owned by the bound Protocol
	State    int
	Result   Result
	Pos      int
	TokenPos int

	Type     Type
	KeyStart int
	KeyEnd   int
	Vlen     int

	// protocol B framing
	Narg      uint32
	Rnarg     uint32
	Rlen      int
	Integer   int64
	NargStart int
	NargEnd   int

	fragID        uint64
	fragOwner     *Message
	nfrag         uint32
	firstFragment bool
	lastFragment  bool

	errFlag bool
	ferror  bool
	done    bool
	fdone   bool
	Quit    bool
	NoReply bool
	Swallow bool
	IsRead  bool
	err     error

	dmsg *Dmsg

	tmo *tmoItem

	stime int64 // microseconds, entry into the engine
}

func (m *Message) resetFields() {
	m.peer = nil
	m.owner = nil
	m.proto = nil
	m.request = false
	m.family = FamilyUnknown
	m.dynMode = false
	m.mlen = 0
	m.State = 0
	m.Result = ParseOK
	m.Pos = 0
	m.TokenPos = -1
	m.Type = TypeUnknown
	m.KeyStart, m.KeyEnd, m.Vlen = 0, 0, 0
	m.Narg, m.Rnarg, m.Rlen, m.Integer = 0, 0, 0, 0
	m.NargStart, m.NargEnd = 0, 0
	m.fragID = 0
	m.fragOwner = nil
	m.nfrag = 0
	m.firstFragment = false
	m.lastFragment = false
	m.errFlag, m.ferror = false, false
	m.done, m.fdone = false, false
	m.Quit, m.NoReply, m.Swallow = false, false, false
	m.IsRead = true
	m.err = nil
	m.dmsg = nil
	m.tmo = nil
	m.stime = 0
}

// ID returns the engine-scoped message id.
func (m *Message) ID() uint64 {
	return m.id
}

// Owner returns the connection this message belongs to.
func (m *Message) Owner() Conn {
	return m.owner
}

// IsRequest reports the message role.
func (m *Message) IsRequest() bool {
	return m.request
}

// Family returns the protocol family.
func (m *Message) Family() Family {
	return m.family
}

// DynMode reports whether the message travels the replication plane.
func (m *Message) DynMode() bool {
	return m.dynMode
}

// Chain returns the buffer chain.
func (m *Message) Chain() *Chain {
	return &m.chain
}

// Len returns the written payload length.
func (m *Message) Len() int {
	return m.mlen
}

// Empty reports whether the message holds no bytes.
func (m *Message) Empty() bool {
	return m.mlen == 0
}

// syncLen recomputes mlen after a structural chain change.
func (m *Message) syncLen() {
	m.mlen = m.chain.Len()
}

// Peer returns the paired message on the other side of the proxy.
func (m *Message) Peer() *Message {
	return m.peer
}

// LinkPeer pairs m with p in both directions.
func (m *Message) LinkPeer(p *Message) {
	m.peer = p
	if p != nil {
		p.peer = m
	}
}

// unlinkPeer breaks the pair link from whichever side is released
// first.
func (m *Message) unlinkPeer() {
	if m.peer != nil {
		m.peer.peer = nil
		m.peer = nil
	}
}

// FragID returns the fragment group id, zero when not fragmented.
func (m *Message) FragID() uint64 {
	return m.fragID
}

// FragOwner returns the head fragment of the group, or nil.
func (m *Message) FragOwner() *Message {
	return m.fragOwner
}

// NFrag returns the group sibling count; meaningful on the owner only.
func (m *Message) NFrag() uint32 {
	return m.nfrag
}

// FirstFragment reports whether m heads its fragment group.
func (m *Message) FirstFragment() bool {
	return m.firstFragment
}

// LastFragment reports whether m closes its fragment group.
func (m *Message) LastFragment() bool {
	return m.lastFragment
}

// Protocol returns the bound protocol adapter.
func (m *Message) Protocol() Protocol {
	return m.proto
}

// Dmsg returns the attached internode envelope, or nil.
func (m *Message) Dmsg() *Dmsg {
	return m.dmsg
}

// SetDmsg attaches the internode envelope; the message owns it.
func (m *Message) SetDmsg(d *Dmsg) {
	m.dmsg = d
}

// MarkError flags the message failed; a fragment also marks its
// group owner so the coalescer can emit one error for the group.
func (m *Message) MarkError(err error) {
	m.errFlag = true
	m.err = err
	if m.fragOwner != nil {
		m.fragOwner.ferror = true
	}
}

// Error reports the error flag.
func (m *Message) Error() bool {
	return m.errFlag
}

// Err returns the recorded error detail.
func (m *Message) Err() error {
	return m.err
}

// FragError reports whether any fragment of the group failed.
func (m *Message) FragError() bool {
	return m.ferror
}

// MarkDone flags the message complete.
func (m *Message) MarkDone() {
	m.done = true
}

// Done reports completion.
func (m *Message) Done() bool {
	return m.done
}

// MarkFragDone flags one sibling of the group complete.
func (m *Message) MarkFragDone() {
	m.fdone = true
}

// FragDone reports sibling completion.
func (m *Message) FragDone() bool {
	return m.fdone
}

// MarkStart stamps entry into the engine for latency stats.
func (m *Message) MarkStart() {
	m.stime = time.Now().UnixNano() / int64(time.Microsecond)
}

// StartTime returns the entry timestamp in microseconds.
func (m *Message) StartTime() int64 {
	return m.stime
}

// AppendBytes copies p onto the chain tail, taking segments from the
// engine pool as needed.
func (m *Message) AppendBytes(p []byte) {
	m.chain.copyIn(m.eng.mbufs, p)
	m.mlen += len(p)
}

// PrependBytes copies p into a fresh segment pushed onto the chain
// head.
func (m *Message) PrependBytes(p []byte) {
	b := m.eng.mbufs.Get()
	b.CopyIn(p)
	m.chain.PushFront(b)
	m.mlen += b.Len()
}

// KeyBytes copies out the decoded key span.
func (m *Message) KeyBytes() []byte {
	return m.chain.CopyRange(m.KeyStart, m.KeyEnd)
}

// TrimHead discards n written bytes from the chain head.
func (m *Message) TrimHead(n int) {
	for n > 0 {
		head := m.chain.Head()
		if head == nil {
			return
		}
		take := head.Len()
		if take > n {
			take = n
		}
		head.TrimFront(take)
		if head.Len() == 0 {
			m.chain.Remove(head)
			head.pool.Put(head)
		}
		m.mlen -= take
		n -= take
	}
}

// TrimTail discards n written bytes from the chain tail.
func (m *Message) TrimTail(n int) {
	for n > 0 {
		tail := m.chain.Tail()
		if tail == nil {
			return
		}
		take := tail.Len()
		if take > n {
			take = n
		}
		tail.TrimBack(take)
		if tail.Len() == 0 {
			m.chain.Remove(tail)
			tail.pool.Put(tail)
		}
		m.mlen -= take
		n -= take
	}
}

// MoveChain moves every segment of src onto m's tail without
// copying; src is left empty.
func (m *Message) MoveChain(src *Message) {
	m.chain.Concat(&src.chain)
	m.mlen += src.mlen
	src.mlen = 0
}

// CloneFrom copies src's decoded state and the written bytes of every
// segment at and after from into m. Used by the replication fan-out
// path to duplicate a request for a peer without sharing segments.
func (m *Message) CloneFrom(src *Message, from *Mbuf) error {
	m.owner = src.owner
	m.request = src.request
	m.family = src.family
	m.proto = src.proto
	m.NoReply = src.NoReply
	m.Type = src.Type
	m.KeyStart, m.KeyEnd = src.KeyStart, src.KeyEnd
	m.Vlen = src.Vlen
	m.IsRead = src.IsRead

	started := from == nil
	for b := src.chain.Head(); b != nil; b = b.next {
		if !started {
			if b != from {
				continue
			}
			started = true
		}
		m.AppendBytes(b.Bytes())
	}
	m.Pos = src.Pos
	return nil
}

// Dump logs the message and a hexdump of its chain at verbose level.
func (m *Message) Dump() {
	if m == nil {
		log.Info("msg is nil - cannot display its info")
		return
	}
	log.Infof("msg dump id %d request %v len %d type %d done %v error %v (err %v)",
		m.id, m.request, m.mlen, m.Type, m.done, m.errFlag, m.err)
	for b := m.chain.Head(); b != nil; b = b.next {
		log.Infof("mbuf with %d bytes of data\n%s", b.Len(), hexdump(b.Bytes()))
	}
}

func hexdump(p []byte) string {
	const width = 16
	var out []byte
	for i := 0; i < len(p); i += width {
		end := i + width
		if end > len(p) {
			end = len(p)
		}
		row := p[i:end]
		out = append(out, fmt.Sprintf("%08x  ", i)...)
		for j, c := range row {
			out = append(out, fmt.Sprintf("%02x ", c)...)
			if j == width/2-1 {
				out = append(out, ' ')
			}
		}
		out = append(out, "  |"...)
		for _, c := range row {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			out = append(out, c)
		}
		out = append(out, "|\n"...)
	}
	return string(out)
}
