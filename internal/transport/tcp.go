package transport

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"
)

// TCPAdapter implements Adapter over a synchronous net.Conn, used by
// protocol generations before Gen5. Every message is framed as
// [type u16 LE][payload_len u16 LE][payload]. Adapter.SendReliable only
// takes a pre-framed byte slice; callers that have a (type, payload) pair
// can use WriteMessage to frame and send it in one call.
type TCPAdapter struct {
	conn net.Conn
}

// DialTCP connects to host:port with the given timeout and enables
// TCP_NODELAY, matching spec.md §4.4 step 1.
func DialTCP(host string, port int, timeout time.Duration) (*TCPAdapter, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, ErrTransportFail
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	return &TCPAdapter{conn: conn}, nil
}

// WriteMessage writes one [type][len][payload] frame.
func (a *TCPAdapter) WriteMessage(msgType uint16, payload []byte) error {
	return a.SendReliable(FrameV1(msgType, payload))
}

// SendReliable writes an already-framed buffer verbatim.
func (a *TCPAdapter) SendReliable(data []byte) error {
	if _, err := a.conn.Write(data); err != nil {
		return ErrTransportFail
	}
	return nil
}

// RecvOne reads one [type u16 LE][len u16 LE][payload] frame and returns it
// whole (header included), so callers needing only the payload can slice
// it themselves; this mirrors how the encrypted control path treats frames
// opaquely before deciding whether to decrypt them.
func (a *TCPAdapter) RecvOne() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return nil, ErrTransportFail
	}
	payloadLen := binary.LittleEndian.Uint16(header[2:4])
	frame := make([]byte, 4+int(payloadLen))
	copy(frame, header)
	if payloadLen > 0 {
		if _, err := io.ReadFull(a.conn, frame[4:]); err != nil {
			return nil, ErrTransportFail
		}
	}
	return frame, nil
}

// SetReadDeadline sets a deadline for reads on the underlying connection,
// bounding how long a RecvOne call can block.
func (a *TCPAdapter) SetReadDeadline(t time.Time) {
	_ = a.conn.SetReadDeadline(t)
}

// RequiresReplyDrain is always true for TCP: every send expects a reply
// that must be read off the wire before the next message is sent.
func (a *TCPAdapter) RequiresReplyDrain() bool { return true }

// Service never runs in TCP mode; the TCP control session has no receive
// worker (spec.md §4.4).
func (a *TCPAdapter) Service(timeoutMs int) (Event, error) { return Event{Type: EventNone}, nil }

// Flush is a no-op: TCP writes are already flushed by the kernel socket
// buffer semantics this adapter relies on.
func (a *TCPAdapter) Flush() {}

// DisconnectNow closes the underlying connection immediately.
func (a *TCPAdapter) DisconnectNow() { _ = a.conn.Close() }

// Close closes the underlying connection.
func (a *TCPAdapter) Close() error { return a.conn.Close() }
