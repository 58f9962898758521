package message

import (
	"math"
	"net"

	"github.com/pkg/errors"
)

const (
	// IovCap caps spans per scatter-gather call, min(IOV_MAX, 128).
	IovCap = 128
	// maxSendBytes bounds the byte sum of one sendv the way
	// SSIZE_MAX bounds writev.
	maxSendBytes = math.MaxInt
)

// Send drains the connection's outbound queue with bounded
// scatter-gather writes, looping while the connection stays
// send-ready.
func (e *Engine) Send(conn Conn) error {
	conn.SetSendReady(true)
	for {
		m := conn.SendNext()
		if m == nil {
			return nil
		}
		if err := e.sendChain(conn, m); err != nil {
			return err
		}
		if !conn.SendReady() {
			return nil
		}
	}
}

// sendChain gathers spans across as many queued messages as fit into
// one sendv, then fans the sent count back out over the queue in FIFO
// order. A message's segments always form a contiguous run of spans;
// bytes of one message are never reordered or interleaved.
func (e *Engine) sendChain(conn Conn, m *Message) error {
	var sendq []*Message
	bufs := make(net.Buffers, 0, IovCap)
	nsend := 0

	for {
		sendq = append(sendq, m)
		for seg := m.chain.head; seg != nil && len(bufs) < IovCap && nsend < maxSendBytes; seg = seg.next {
			if seg.Empty() {
				continue
			}
			b := seg.Readable()
			if nsend+len(b) > maxSendBytes {
				b = b[:maxSendBytes-nsend]
			}
			bufs = append(bufs, b)
			nsend += len(b)
		}
		if len(bufs) >= IovCap || nsend >= maxSendBytes {
			break
		}
		if m = conn.SendNext(); m == nil {
			break
		}
	}

	conn.SetSMsg(nil)

	n, err := conn.Sendv(bufs, nsend)
	if err != nil && errors.Cause(err) == ErrAgain {
		n, err = 0, nil
	}
	nsent := n

	for _, qm := range sendq {
		if nsent == 0 {
			// an empty acknowledgement completes even on a
			// zero-byte sendv
			if qm.mlen == 0 {
				conn.SendDone(qm)
			}
			continue
		}
		complete := true
		for seg := qm.chain.head; seg != nil; seg = seg.next {
			if seg.Empty() {
				continue
			}
			slen := seg.ReadableLen()
			if nsent < slen {
				// partial send, the rest stays queued
				seg.Advance(nsent)
				nsent = 0
				complete = false
				break
			}
			seg.markConsumed()
			nsent -= slen
		}
		if complete {
			conn.SendDone(qm)
		}
	}

	if err != nil {
		conn.SetErr(err)
		return err
	}
	return nil
}
