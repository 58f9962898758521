package proxy

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"duplex/pkg/crypto"
	"duplex/pkg/log"
	libnet "duplex/pkg/net"
	"duplex/pkg/prom"
	"duplex/proxy/message"
	"duplex/proxy/proto/peer"

	// register the family protocols
	_ "duplex/proxy/proto/memcache"
	_ "duplex/proxy/proto/redis"
)

const (
	proxyOpening = int32(0)
	proxyClosed  = int32(1)
)

// Proxy terminates client connections, forwards to one backend
// storage server per listener and fans writes out to replication
// peers.
type Proxy struct {
	c  *Config
	id string

	listeners []net.Listener
	closed    int32
}

// New new a proxy by config.
func New(c *Config) (p *Proxy, err error) {
	if err = c.Validate(); err != nil {
		err = errors.Wrap(err, "Proxy New config validate error")
		return
	}
	p = &Proxy{c: c, id: uuid.NewRandom().String()}
	log.Infof("new proxy instance %s", p.id)
	return
}

// Serve starts the accept loop of every configured listener, plus the
// replication-inbound loop where one is configured.
func (p *Proxy) Serve(lcs *ListenConfigs) {
	for _, lc := range lcs.Listeners {
		go p.serve(lc, lc.ListenAddr, false)
		if lc.DynListenAddr != "" {
			go p.serve(lc, lc.DynListenAddr, true)
		}
	}
}

func (p *Proxy) serve(lc *ListenConfig, addr string, dyn bool) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorf("listen %s error:%+v", addr, err)
		return
	}
	p.listeners = append(p.listeners, l)
	log.Infof("listener %s serving %s on %s (dyn %v)", lc.Name, lc.Family, addr, dyn)
	for {
		sock, err := l.Accept()
		if err != nil {
			if atomic.LoadInt32(&p.closed) == proxyClosed {
				return
			}
			log.Errorf("accept on %s error:%+v", addr, err)
			continue
		}
		h, err := NewHandler(lc, sock, dyn)
		if err != nil {
			log.Errorf("handler on %s error:%+v", addr, err)
			sock.Close()
			continue
		}
		prom.ConnIncr(lc.Name)
		h.Handle()
	}
}

// Close close proxy resource.
func (p *Proxy) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, proxyOpening, proxyClosed) {
		return
	}
	for _, l := range p.listeners {
		_ = l.Close()
	}
}

// fragGroup tracks one fragmented request until every sibling's
// response arrived.
type fragGroup struct {
	owner *message.Message
	reqs  []*message.Message
	done  uint32
}

// Handler drives one client connection through the engine: parse
// requests, forward to the backend, replicate writes to peers, pair
// and coalesce responses, write them back. One engine per handler;
// everything below runs on the handler goroutine.
type Handler struct {
	lc     *ListenConfig
	eng    *message.Engine
	family message.Family
	dyn    bool

	front   *Conn
	backend *Conn
	peers   []*Conn

	pending     []*message.Message
	outstanding *deque.Deque[*message.Message]
	groups      map[uint64]*fragGroup

	aesKey []byte
	quit   bool
}

// NewHandler builds the engine and both sides of the data path for
// one accepted socket.
func NewHandler(lc *ListenConfig, sock net.Conn, dyn bool) (*Handler, error) {
	family, err := lc.family()
	if err != nil {
		return nil, err
	}
	eng := message.NewEngine(&lc.Engine)

	rt := time.Duration(lc.ReadTimeout) * time.Millisecond
	wt := time.Duration(lc.WriteTimeout) * time.Millisecond
	dt := time.Duration(lc.DialTimeout) * time.Millisecond
	st := time.Duration(lc.ServerTimeout) * time.Millisecond

	front := NewConn(libnet.NewConn(sock, rt, wt), eng, family, dyn, true, true)
	backend := NewConn(libnet.DialWithTimeout(lc.Backend, dt, st, wt), eng, family, false, false, false)

	var peers []*Conn
	if !dyn {
		for _, addr := range lc.Peers {
			psock := libnet.DialWithTimeout(addr, dt, st, wt)
			peers = append(peers, NewConn(psock, eng, family, true, false, false))
		}
	}
	return newHandler(lc, eng, family, front, backend, peers, dyn), nil
}

// newHandler wires the handler callbacks onto already-built conns.
func newHandler(lc *ListenConfig, eng *message.Engine, family message.Family, front, backend *Conn, peers []*Conn, dyn bool) *Handler {
	h := &Handler{
		lc:          lc,
		eng:         eng,
		family:      family,
		dyn:         dyn,
		front:       front,
		backend:     backend,
		peers:       peers,
		outstanding: deque.NewDeque[*message.Message](),
		groups:      make(map[uint64]*fragGroup),
	}
	if lc.AESKey != "" {
		h.aesKey = []byte(lc.AESKey)
	}
	if dyn {
		h.front.SetAESKey(h.aesKey)
	}
	h.front.SetRecvDone(func(m, next *message.Message) {
		h.pending = append(h.pending, m)
	})
	h.front.SetSendDone(func(m *message.Message) {
		h.eng.Put(m)
	})

	h.backend.SetServerTimeout(time.Duration(lc.ServerTimeout) * time.Millisecond)
	h.backend.SetRecvDone(h.pairResponse)
	h.backend.SetSendDone(func(m *message.Message) {
		// noreply requests get no response; recycle on write
		if m.NoReply {
			h.eng.Put(m)
		}
	})
	for _, pc := range h.peers {
		pc.SetAESKey(h.aesKey)
		pc.SetSendDone(func(m *message.Message) {
			h.eng.Put(m)
		})
	}
	return h
}

// Handle runs the handler loop.
func (h *Handler) Handle() {
	go h.loop()
}

func (h *Handler) loop() {
	defer h.close()
	for {
		if err := h.eng.Recv(h.front); err != nil {
			log.V(1).Infof("listener %s front recv stop:%v", h.lc.Name, err)
			return
		}
		reqs := h.pending
		h.pending = nil
		for _, m := range reqs {
			if m.Empty() {
				h.eng.Put(m)
				continue
			}
			if m.Quit {
				h.eng.Put(m)
				h.quit = true
				continue
			}
			m.MarkStart()
			h.forward(m)
		}
		if err := h.eng.Send(h.backend); err != nil {
			h.failOutstanding(err)
		}
		h.readResponses()
		if err := h.eng.Send(h.front); err != nil {
			log.V(1).Infof("listener %s front send stop:%v", h.lc.Name, err)
			return
		}
		if h.quit || h.front.Err() != nil {
			return
		}
	}
}

// forward queues one parsed request on the backend and, for writes on
// the client plane, clones it onto every replication peer.
func (h *Handler) forward(m *message.Message) {
	if h.dyn {
		// strip the internode envelope before the storage server
		// sees the frame; the response is swallowed
		if d := m.Dmsg(); d != nil && d.HdrLen > 0 {
			m.TrimHead(d.HdrLen)
		}
		m.Swallow = true
	}
	h.eng.TmoInsert(m, h.backend)
	h.backend.EnqueueOut(m)
	if !m.NoReply {
		h.outstanding.PushBack(m)
	}
	if g := m.FragID(); g != 0 {
		fg := h.groups[g]
		if fg == nil {
			fg = &fragGroup{owner: m.FragOwner()}
			h.groups[g] = fg
		}
		fg.reqs = append(fg.reqs, m)
	}
	if !h.dyn && !m.IsRead && len(h.peers) > 0 {
		h.replicate(m)
	}
}

// replicate wraps a copy of m in the internode envelope, sealing the
// payload when the listener carries a key, and fires it at every
// peer. Peer conns acquire forced, so the soft ceiling never drops
// replication; at the hard ceiling the copy for this and any
// remaining peers is dropped and logged.
func (h *Handler) replicate(m *message.Message) {
	payload := m.Chain().CopyRange(0, m.Len())
	for _, pc := range h.peers {
		rep := h.eng.Get(pc, true)
		if rep == nil {
			log.Errorf("listener %s replicate msg %d: %v", h.lc.Name, m.ID(), message.ErrNoMsg)
			return
		}
		d := &message.Dmsg{ID: m.ID(), MsgType: 1, Version: 1}
		if len(h.aesKey) > 0 {
			sealed, err := crypto.Encrypt(payload, h.aesKey)
			if err != nil {
				log.Errorf("listener %s seal msg %d error:%+v", h.lc.Name, m.ID(), err)
				h.eng.Put(rep)
				continue
			}
			d.BitField = 1
			d.Plen = len(sealed)
			rep.AppendBytes(peer.Envelope(d))
			rep.AppendBytes(sealed)
		} else {
			d.Plen = len(payload)
			if err := rep.CloneFrom(m, nil); err != nil {
				h.eng.Put(rep)
				continue
			}
			rep.PrependBytes(peer.Envelope(d))
		}
		pc.EnqueueOut(rep)
		if err := h.eng.Send(pc); err != nil {
			log.Errorf("listener %s peer send error:%+v", h.lc.Name, err)
		}
	}
}

// readResponses drains the backend until every outstanding request
// has a paired response or the backend fails.
func (h *Handler) readResponses() {
	for h.outstanding.Len() > 0 {
		if min := h.eng.TmoMin(); min != nil && h.outstanding.Peek(0) == min {
			if deadline, _, ok := min.TmoDeadline(); ok && msecNow() > deadline {
				h.expire(min)
				continue
			}
		}
		if err := h.eng.Recv(h.backend); err != nil {
			h.failOutstanding(err)
			return
		}
	}
}

func msecNow() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// expire fails one timed-out request without waiting on the backend.
func (h *Handler) expire(m *message.Message) {
	h.eng.TmoDelete(m)
	if h.outstanding.Len() > 0 && h.outstanding.Peek(0) == m {
		h.outstanding.PopFront()
	}
	rsp := h.eng.GetError(h.family, message.ErrSourceStorage, errors.New("backend timeout"))
	if rsp != nil {
		rsp.LinkPeer(m)
	}
	h.finish(m, rsp)
}

// failOutstanding synthesises one error response per queued request
// after a backend failure.
func (h *Handler) failOutstanding(err error) {
	log.Errorf("listener %s backend error:%+v", h.lc.Name, err)
	prom.ErrIncr(h.lc.Name, h.lc.Backend, "backend", "io")
	for h.outstanding.Len() > 0 {
		req := h.outstanding.PopFront()
		h.eng.TmoDelete(req)
		rsp := h.eng.GetError(h.family, message.ErrSourceStorage, err)
		if rsp != nil {
			rsp.LinkPeer(req)
		}
		h.finish(req, rsp)
	}
}

// pairResponse links each parsed backend response to the oldest
// outstanding request.
func (h *Handler) pairResponse(rsp, next *message.Message) {
	if rsp.Empty() {
		h.eng.Put(rsp)
		return
	}
	if h.outstanding.Len() == 0 {
		log.Warnf("listener %s unexpected response, dropped", h.lc.Name)
		h.eng.Put(rsp)
		return
	}
	req := h.outstanding.PopFront()
	h.eng.TmoDelete(req)
	rsp.LinkPeer(req)
	h.finish(req, rsp)
}

// finish routes one paired response: swallow, coalesce into its
// fragment group, or queue straight back to the client.
func (h *Handler) finish(req *message.Message, rsp *message.Message) {
	if req.Swallow {
		if rsp != nil {
			h.eng.Put(rsp)
		}
		h.eng.Put(req)
		return
	}
	if req.FragID() != 0 {
		h.coalesce(req, rsp)
		return
	}
	prom.ProxyTime(h.lc.Name, h.family.String(), time.Now().UnixNano()/int64(time.Microsecond)-req.StartTime())
	if rsp != nil {
		h.front.EnqueueOut(rsp)
	}
	h.eng.Put(req)
}

// coalesce folds one fragment response into its group; once the last
// sibling lands, the merged reply is rebuilt through the protocol
// hooks and queued for the client.
func (h *Handler) coalesce(req *message.Message, rsp *message.Message) {
	fg := h.groups[req.FragID()]
	if fg == nil {
		if rsp != nil {
			h.eng.Put(rsp)
		}
		h.eng.Put(req)
		return
	}
	req.MarkFragDone()
	fg.done++
	if rsp != nil {
		if rsp.Type.IsError() {
			req.MarkError(message.ErrParse)
		} else {
			req.Protocol().PreCoalesce(rsp)
		}
	}

	owner := fg.owner
	if fg.done < owner.NFrag() {
		return
	}
	defer delete(h.groups, req.FragID())

	var merged *message.Message
	if owner.FragError() {
		merged = h.eng.GetError(h.family, message.ErrSourceStorage, errors.New("fragment failed"))
	} else {
		merged = h.eng.Get(h.front, false)
		if merged != nil {
			merged.Type = owner.Type
			var sum int64
			for _, r := range fg.reqs {
				if fr := r.Peer(); fr != nil {
					sum += fr.Integer
					merged.MoveChain(fr)
				}
			}
			merged.Integer = sum
			owner.Protocol().PostCoalesce(merged)
		}
	}
	if merged != nil {
		h.front.EnqueueOut(merged)
	}
	prom.ProxyTime(h.lc.Name, h.family.String(), time.Now().UnixNano()/int64(time.Microsecond)-owner.StartTime())

	// siblings go back first; the group owner outlives them
	for i := len(fg.reqs) - 1; i >= 0; i-- {
		r := fg.reqs[i]
		if fr := r.Peer(); fr != nil {
			h.eng.Put(fr)
		}
		h.eng.Put(r)
	}
}

func (h *Handler) close() {
	for _, m := range h.pending {
		h.eng.Put(m)
	}
	h.pending = nil
	for h.outstanding.Len() > 0 {
		m := h.outstanding.PopFront()
		if m.FragID() != 0 && h.groups[m.FragID()] != nil {
			// released with its group below
			continue
		}
		h.eng.Put(m)
	}
	for id, fg := range h.groups {
		for _, r := range fg.reqs {
			if fr := r.Peer(); fr != nil {
				h.eng.Put(fr)
			}
			h.eng.Put(r)
		}
		delete(h.groups, id)
	}
	_ = h.front.Close()
	_ = h.backend.Close()
	for _, pc := range h.peers {
		_ = pc.Close()
	}
	prom.ConnDecr(h.lc.Name)
	if leaked := h.eng.Shutdown(); leaked > 0 {
		log.V(1).Infof("listener %s engine shutdown with %d live msgs", h.lc.Name, leaked)
	}
}
