package message

import (
	"github.com/pkg/errors"

	"duplex/pkg/crypto"
	"duplex/pkg/log"
)

// Recv drains one readiness signal: it pulls the connection's current
// inbound message, fills its tail segment from the transport, then
// parses every frame buffered so far. It loops while the connection
// stays recv-ready.
func (e *Engine) Recv(conn Conn) error {
	conn.SetRecvReady(true)
	for {
		m := conn.RecvNext(true)
		if m == nil {
			return nil
		}
		if err := e.recvChain(conn, m); err != nil {
			return err
		}
		if !conn.RecvReady() {
			return nil
		}
	}
}

func encPending(m *Message) bool {
	return m.dmsg != nil && m.dmsg.Encrypted() && !m.dmsg.Done
}

func (e *Engine) recvChain(conn Conn, m *Message) error {
	// an encrypted replication payload is length-prefixed by its
	// envelope; reads are clamped so one ciphertext chunk fits a
	// single segment including the extra region
	expected := -1
	if encPending(m) {
		expected = m.dmsg.Plen
	}

	tail := m.chain.Tail()
	needFresh := tail == nil || tail.Full()
	if expected != -1 && !needFresh {
		// ciphertext must own its segment; never append it to the
		// envelope's
		needFresh = tail.ExtraFull() || (m.Pos == m.mlen && tail.Len() > 0)
	}
	if needFresh {
		tail = e.mbufs.Get()
		m.chain.PushBack(tail)
	}

	msize := tail.Room()
	if expected != -1 {
		msize = expected
		if r := tail.ExtraRoom(); msize > r {
			msize = r
		}
	}

	n, err := conn.Recv(tail.writeWindow(msize))
	if err != nil {
		if errors.Cause(err) == ErrAgain {
			return nil
		}
		conn.SetErr(err)
		return err
	}
	tail.extend(n)
	m.mlen += n

	if expected != -1 {
		m.dmsg.Plen -= n
		if m.dmsg.Plen <= 0 || tail.ExtraFull() {
			if err = e.decryptSeg(conn, m, tail); err != nil {
				conn.SetErr(err)
				return err
			}
		}
	}

	return e.parseLoop(conn, m)
}

// parseLoop parses m, then drains every further frame that arrived in
// the same read.
func (e *Engine) parseLoop(conn Conn, m *Message) error {
	for {
		if err := e.parse(conn, m); err != nil {
			return err
		}
		if encPending(m) && m.dmsg.Plen == 0 {
			// the whole ciphertext chunk came in with the
			// envelope; open it and keep parsing
			if err := e.decryptSeg(conn, m, m.chain.Tail()); err != nil {
				conn.SetErr(err)
				return err
			}
			continue
		}
		nm := conn.RecvNext(false)
		if nm == nil || nm == m {
			return nil
		}
		m = nm
	}
}

// decryptSeg opens the ciphertext chunk held in seg into a fresh
// segment and swaps it into the chain. The envelope parse repaired
// the chain so the chunk starts the segment; bytes beyond the chunk
// belong to the next frame and spill over into the clone.
func (e *Engine) decryptSeg(conn Conn, m *Message, seg *Mbuf) error {
	if seg == nil {
		return errors.WithStack(crypto.ErrNotAligned)
	}
	log.V(2).Infof("decrypt mbuf of msg %d, chunk len %d", m.id, m.dmsg.Clen)

	src := seg.Bytes()
	var spill []byte
	if clen := m.dmsg.Clen; clen < len(src) {
		src, spill = src[:clen], src[clen:]
	}
	plain, err := crypto.Decrypt(src, conn.AESKey())
	if err != nil {
		return errors.Wrap(err, "Engine decrypt recv chunk")
	}

	nbuf := e.mbufs.Get()
	// the plaintext may run a few pad bytes past the normal region;
	// the clone's extra region absorbs it
	nbuf.last += copy(nbuf.b[nbuf.last:], plain)
	nbuf.last += copy(nbuf.b[nbuf.last:], spill)
	nbuf.SetReadFlip()

	prefix := m.mlen - seg.Len()
	m.chain.Replace(seg, nbuf)
	e.mbufs.Put(seg)
	m.mlen = prefix + nbuf.Len()
	m.Pos = prefix

	m.dmsg.Plen = 0
	m.dmsg.Done = true
	return nil
}
