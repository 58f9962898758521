package message

import (
	"github.com/pkg/errors"

	"duplex/pkg/log"
	"duplex/pkg/prom"
)

// fragment splits a multi-key request at the parse cursor into a
// sibling message. The protocol's PreSplitCopy re-emits the command
// preamble at the head of the sibling chain and PostSplitCopy patches
// the truncated original. All fragments of one request share a fragID
// and reach the head fragment through fragOwner:
//
//	'get key1 key2 key3\r\n'
//	'*4\r\n$4\r\nmget\r\n$4\r\nkey1\r\n$4\r\nkey2\r\n$4\r\nkey3\r\n'
//
// split into three siblings; only the first carries nfrag, only the
// newest carries lastFragment.
func (e *Engine) fragment(conn Conn, m *Message) error {
	nchain, err := m.chain.SplitAt(e.mbufs, m.Pos, m.proto.PreSplitCopy, m)
	if err != nil {
		return err
	}

	if err = m.proto.PostSplitCopy(m); err != nil {
		nchain.Drain()
		return err
	}

	nmsg := e.Get(conn, m.request)
	if nmsg == nil {
		nchain.Drain()
		return errors.WithStack(ErrNoMsg)
	}
	nmsg.chain.Concat(nchain)
	nmsg.syncLen()
	nmsg.Pos = 0

	m.syncLen()
	m.Pos = m.mlen

	if m.fragID == 0 {
		e.fragID++
		m.fragID = e.fragID
		m.firstFragment = true
		m.nfrag = 1
		m.fragOwner = m
	}
	nmsg.fragID = m.fragID
	m.lastFragment = false
	nmsg.lastFragment = true
	nmsg.fragOwner = m.fragOwner
	m.fragOwner.nfrag++

	if !conn.DynMode() {
		prom.FragmentIncr(m.family.String())
	}
	log.V(1).Infof("fragment msg into %d and %d frag id %d", m.id, nmsg.id, m.fragID)

	conn.RecvDone(m, nmsg)
	return nil
}
