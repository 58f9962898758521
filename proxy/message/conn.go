package message

import (
	"net"
	"time"
)

// Conn is what the engine requires of any connection handed to Recv
// or Send. Implementations own their message queues; the engine only
// walks them through RecvNext/SendNext and reports edges through
// RecvDone/SendDone.
//
// Recv and Sendv return ErrAgain for transient no-progress; any other
// error is fatal for the connection.
type Conn interface {
	// Recv reads into p, clearing the recv-ready flag when the
	// transport has no more to give.
	Recv(p []byte) (int, error)
	// Sendv writes the gathered spans in one scatter-gather call;
	// total is the byte sum of bufs.
	Sendv(bufs net.Buffers, total int) (int, error)

	// RecvNext picks the inbound message to parse into, allocating
	// a fresh one only when alloc is set.
	RecvNext(alloc bool) *Message
	// SendNext picks the next outbound message, also exposed as
	// the send cursor SMsg.
	SendNext() *Message
	// RecvDone is called when a whole frame was parsed; next, when
	// non-nil, holds the already-buffered start of the following
	// frame.
	RecvDone(m, next *Message)
	// SendDone is called when every byte of m has been written.
	SendDone(m *Message)

	Family() Family
	DynMode() bool
	Client() bool

	RecvReady() bool
	SetRecvReady(v bool)
	SendReady() bool
	SetSendReady(v bool)

	SMsg() *Message
	SetSMsg(m *Message)

	// ServerTimeout is the per-backend deadline budget used by the
	// timeout index; zero or negative disables it.
	ServerTimeout() time.Duration
	// AESKey returns the replication-plane payload key, nil when
	// the plane is unencrypted.
	AESKey() []byte

	Err() error
	SetErr(err error)
}
