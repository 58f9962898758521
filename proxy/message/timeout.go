package message

import (
	"time"

	"github.com/google/btree"

	"duplex/pkg/log"
)

// tmoItem is the timeout-index node embedded in a message. Ties on
// the deadline break by message id so equal deadlines coexist in the
// tree.
type tmoItem struct {
	key  int64 // absolute deadline, msec
	id   uint64
	m    *Message
	conn Conn
}

func (t *tmoItem) Less(than btree.Item) bool {
	o := than.(*tmoItem)
	if t.key != o.key {
		return t.key < o.key
	}
	return t.id < o.id
}

func msecNow() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// TmoInsert indexes a request under now plus conn's timeout budget.
// Non-requests and quit or noreply messages are not indexed; neither
// is anything on a connection with no timeout. A request is inserted
// at most once.
func (e *Engine) TmoInsert(m *Message, conn Conn) {
	if !m.request || m.Quit || m.NoReply {
		return
	}
	timeout := conn.ServerTimeout()
	if timeout <= 0 {
		return
	}
	it := &tmoItem{
		key:  msecNow() + int64(timeout/time.Millisecond),
		id:   m.id,
		m:    m,
		conn: conn,
	}
	m.tmo = it
	e.tmo.ReplaceOrInsert(it)
	log.V(2).Infof("insert msg %d into tmo index with expiry of %d msec", m.id, timeout/time.Millisecond)
}

// TmoDelete removes m from the index; idempotent.
func (e *Engine) TmoDelete(m *Message) {
	if m.tmo == nil {
		return
	}
	e.tmo.Delete(m.tmo)
	m.tmo = nil
	log.V(2).Infof("delete msg %d from tmo index", m.id)
}

// TmoMin returns the indexed message with the earliest deadline, or
// nil. The event loop derives its next tick timeout from it.
func (e *Engine) TmoMin() *Message {
	it := e.tmo.Min()
	if it == nil {
		return nil
	}
	return it.(*tmoItem).m
}

// TmoDeadline returns m's indexed absolute deadline in msec and its
// connection; ok is false when m is not indexed.
func (m *Message) TmoDeadline() (deadline int64, conn Conn, ok bool) {
	if m.tmo == nil {
		return 0, nil, false
	}
	return m.tmo.key, m.tmo.conn, true
}
