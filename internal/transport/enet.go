package transport

import (
	"sync"
	"time"

	"github.com/codecat/go-enet"
)

// enetInitOnce guarantees the underlying ENet library is initialized
// exactly once per process, which pairs naturally with spec.md §3's "at
// most one Control Session exists per process at a time" invariant.
var (
	enetInitOnce sync.Once
	enetInitErr  error
)

func ensureENetInitialized() error {
	enetInitOnce.Do(func() {
		enetInitErr = enet.Initialize()
	})
	return enetInitErr
}

// ENetAdapter implements Adapter over a reliable-ordered user-space UDP
// peer (the real ENet library, via the go-enet binding), used by protocol
// generations Gen5 and later. All host and peer operations are serialized
// under one mutex: the underlying ENet host is not safe for concurrent use
// from the receive worker and a sender at the same time (spec.md §5's
// "enetMutex").
type ENetAdapter struct {
	mu   sync.Mutex
	host enet.Host
	peer enet.Peer
}

// DialENetPeer opens an outgoing ENet connection to host:port with a
// single channel, waiting up to timeout for the connect handshake to
// complete, then sets the peer's idle timeout to 10s as required by
// spec.md §5.
func DialENetPeer(host string, port int, timeout time.Duration) (*ENetAdapter, error) {
	if err := ensureENetInitialized(); err != nil {
		return nil, ErrTransportFail
	}

	h, err := enet.NewHost(enet.NewListenAddress(0), 1, 1, 0, 0)
	if err != nil {
		return nil, ErrTransportFail
	}

	remote, err := enet.NewAddress(host, uint16(port))
	if err != nil {
		h.Destroy()
		return nil, ErrTransportFail
	}

	peer, err := h.Connect(remote, 1, 0)
	if err != nil {
		h.Destroy()
		return nil, ErrTransportFail
	}

	deadline := time.Now().Add(timeout)
	connected := false
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		pollMs := uint32(100)
		if remaining < 100*time.Millisecond {
			pollMs = uint32(remaining / time.Millisecond)
		}
		ev, err := h.Service(pollMs)
		if err != nil {
			h.Destroy()
			return nil, ErrTransportFail
		}
		if ev.GetType() == enet.EventConnect {
			connected = true
			break
		}
	}
	if !connected {
		peer.Reset()
		h.Destroy()
		return nil, ErrTimeout
	}

	peer.Timeout(10000, 10000, 10000)

	return &ENetAdapter{host: h, peer: peer}, nil
}

// RequiresReplyDrain is always false for ENet peers: every send in this
// transport is fire-and-forget at the adapter layer (replies, when they
// exist, arrive as ordinary Receive events on a later Service call).
func (a *ENetAdapter) RequiresReplyDrain() bool { return false }

// SendReliable enqueues data as a reliable, ordered packet on channel 0.
func (a *ENetAdapter) SendReliable(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.peer.SendBytes(data, 0, enet.PacketFlagReliable); err != nil {
		return ErrTransportFail
	}
	return nil
}

// RecvOne is not meaningful for ENet peers; receiving happens through
// Service.
func (a *ENetAdapter) RecvOne() ([]byte, error) {
	return nil, ErrTransportFail
}

// Service polls the host for up to timeoutMs milliseconds and returns the
// first event observed.
func (a *ENetAdapter) Service(timeoutMs int) (Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ev, err := a.host.Service(uint32(timeoutMs))
	if err != nil {
		return Event{}, ErrTransportFail
	}

	switch ev.GetType() {
	case enet.EventConnect:
		return Event{Type: EventConnect}, nil
	case enet.EventDisconnect:
		return Event{Type: EventDisconnect}, nil
	case enet.EventReceive:
		packet := ev.GetPacket()
		data := append([]byte(nil), packet.GetData()...)
		packet.Destroy()
		return Event{Type: EventReceive, Data: data}, nil
	default:
		return Event{Type: EventNone}, nil
	}
}

// Flush forces any queued outgoing packets onto the wire immediately.
func (a *ENetAdapter) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.host.Flush()
}

// DisconnectNow tears down the peer without waiting for acknowledgement,
// so the server observes termination promptly even if it is slow to
// process a graceful disconnect.
func (a *ENetAdapter) DisconnectNow() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peer.DisconnectNow(0)
}

// Close destroys the ENet host, releasing the peer along with it.
func (a *ENetAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.host.Destroy()
	return nil
}
