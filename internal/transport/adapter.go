// Package transport abstracts the two control-channel transports the
// GameStream protocol uses: a synchronous TCP stream for protocol
// generations before Gen5, and a reliable-ordered user-space UDP peer
// (ENet) for Gen5 and later. Callers drive both through the same Adapter
// interface so the control session doesn't need to branch on transport
// kind except where the protocol itself does (see RequiresReplyDrain).
package transport

import (
	"encoding/binary"
	"errors"
)

// ErrTransportFail covers socket- and peer-level I/O or service errors.
var ErrTransportFail = errors.New("transport: I/O failure")

// ErrTimeout is returned by Dial functions when the connect deadline
// elapses before the transport becomes usable.
var ErrTimeout = errors.New("transport: connect timeout")

// EventType enumerates what Service observed on a reliable-UDP peer.
type EventType int

const (
	// EventNone means the service call's timeout elapsed with nothing to
	// report.
	EventNone EventType = iota
	// EventReceive carries a complete inbound frame in Event.Data.
	EventReceive
	// EventDisconnect means the peer disconnected.
	EventDisconnect
	// EventConnect means the outgoing connection handshake completed.
	EventConnect
)

// Event is the result of one Service call.
type Event struct {
	Type EventType
	Data []byte
}

// Adapter is the uniform surface the control session drives. TCP and
// ENet-peer implementations both satisfy it, but TCP's Service is a
// no-op: the TCP control session never runs a receive worker loop (see
// spec.md §4.4), it reads replies synchronously from RecvOne instead.
type Adapter interface {
	// RequiresReplyDrain reports whether SendAndDrain must read a reply
	// frame after sending (true for TCP) or not (false for ENet peers,
	// which are fire-and-forget at this layer).
	RequiresReplyDrain() bool

	// SendReliable writes a fully framed message. It blocks until the
	// underlying transport has accepted it for delivery.
	SendReliable(data []byte) error

	// RecvOne performs a single blocking read of one complete message,
	// including whatever header the transport uses to delimit it. Only
	// meaningful in TCP mode.
	RecvOne() ([]byte, error)

	// Service polls the transport for at most timeoutMs milliseconds and
	// returns the first event observed, or EventNone on timeout. Only
	// meaningful in ENet-peer mode; TCP implementations return EventNone
	// immediately.
	Service(timeoutMs int) (Event, error)

	// Flush forces any queued outgoing data out onto the wire now, rather
	// than waiting for the next Service call to opportunistically flush.
	Flush()

	// DisconnectNow tears down the connection immediately without waiting
	// for an acknowledgement, so the remote sees termination promptly.
	DisconnectNow()

	// Close releases the underlying socket or peer/host pair.
	Close() error
}

// FrameV1 builds the plaintext control-stream frame
// [type: u16 LE][payload_len: u16 LE][payload], used by both TCP and
// ENet-peer transports when the control stream is not running in
// encrypted mode (profiles below Gen7-Encrypted).
func FrameV1(msgType uint16, payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], msgType)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)
	return frame
}

// SendAndDrain sends data and, if the adapter requires it, reads and
// discards one reply frame. This models spec.md §4.4's "send-and-discard-
// reply asymmetry": TCP replies are read and thrown away, UDP sends are
// pure fire-and-forget.
func SendAndDrain(a Adapter, data []byte) error {
	if err := a.SendReliable(data); err != nil {
		return err
	}
	if a.RequiresReplyDrain() {
		if _, err := a.RecvOne(); err != nil {
			return err
		}
	}
	return nil
}
