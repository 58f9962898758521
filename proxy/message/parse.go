package message

import (
	"github.com/pkg/errors"

	"duplex/pkg/log"
	"duplex/pkg/prom"
)

// ErrParse marks an unrecoverable protocol error on the client plane.
var ErrParse = errors.New("invalid protocol frame")

// parse runs one parser step on m and dispatches on the outcome.
func (e *Engine) parse(conn Conn, m *Message) error {
	if m.Empty() {
		conn.RecvDone(m, nil)
		return nil
	}
	if m.proto == nil {
		return errors.WithStack(ErrNoProtocol)
	}

	m.proto.Parse(m)

	var err error
	switch m.Result {
	case ParseOK:
		err = e.parsed(conn, m)
	case ParseFragment:
		err = e.fragment(conn, m)
	case ParseRepair:
		err = e.repair(m)
	case ParseAgain:
		// need more bytes
	default:
		if conn.DynMode() {
			// a malformed frame must not tear down the peer
			// transport; count it and move on
			log.V(2).Infof("swallow parse error on msg %d family %s", m.id, m.family)
			prom.PeerParseErrIncr(m.family.String())
		} else {
			if m.Err() == nil {
				m.MarkError(ErrParse)
			}
			conn.SetErr(m.Err())
			err = m.Err()
		}
	}

	if cerr := conn.Err(); cerr != nil {
		return cerr
	}
	return err
}

// parsed finishes a complete frame. Unparsed trailing bytes are the
// start of the next frame: they split off into a fresh message so the
// connection can queue m and continue parsing on the new one.
func (e *Engine) parsed(conn Conn, m *Message) error {
	if m.Pos == m.mlen {
		conn.RecvDone(m, nil)
		return nil
	}

	nchain, _ := m.chain.SplitAt(e.mbufs, m.Pos, nil, nil)
	nmsg := e.Get(conn, m.request)
	if nmsg == nil {
		nchain.Drain()
		return errors.WithStack(ErrNoMsg)
	}
	nmsg.chain.Concat(nchain)
	nmsg.syncLen()
	nmsg.Pos = 0
	m.syncLen()

	conn.RecvDone(m, nmsg)
	return nil
}

// repair re-homes the unparsed tail into a fresh segment so the next
// read lands contiguous with it and the parser can make progress on a
// malformed boundary without copying the whole chain. When the cursor
// sits at a segment boundary the run is moved back unchanged and the
// next read goes into a fresh segment.
func (e *Engine) repair(m *Message) error {
	nchain, _ := m.chain.SplitAt(e.mbufs, m.Pos, nil, nil)
	m.chain.Concat(nchain)
	m.syncLen()
	return nil
}
