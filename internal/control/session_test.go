package control

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/moonparty/streamcore/internal/callback"
	"github.com/moonparty/streamcore/internal/codec"
	"github.com/moonparty/streamcore/internal/profile"
	"github.com/moonparty/streamcore/internal/transport"
)

// fakeAdapter is a minimal transport.Adapter recording every frame handed
// to SendReliable, for assertions on what the control session put on the
// wire without needing a real socket or ENet peer.
type fakeAdapter struct {
	sent         [][]byte
	requireDrain bool
	recvQueue    [][]byte

	mu         sync.Mutex
	eventQueue []transport.Event
}

func (f *fakeAdapter) RequiresReplyDrain() bool { return f.requireDrain }
func (f *fakeAdapter) SendReliable(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}
func (f *fakeAdapter) RecvOne() ([]byte, error) {
	if len(f.recvQueue) == 0 {
		return nil, transport.ErrTransportFail
	}
	d := f.recvQueue[0]
	f.recvQueue = f.recvQueue[1:]
	return d, nil
}

// queueEvent appends an event for a future Service call to return, for
// tests driving receiveLoop/drainOnDisconnect.
func (f *fakeAdapter) queueEvent(ev transport.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventQueue = append(f.eventQueue, ev)
}

func (f *fakeAdapter) Service(timeoutMs int) (transport.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.eventQueue) == 0 {
		return transport.Event{Type: transport.EventNone}, nil
	}
	ev := f.eventQueue[0]
	f.eventQueue = f.eventQueue[1:]
	return ev, nil
}
func (f *fakeAdapter) Flush()         {}
func (f *fakeAdapter) DisconnectNow() {}
func (f *fakeAdapter) Close() error   { return nil }

type fakeListener struct {
	rumbles      [][3]uint16
	terminations []int
}

func (f *fakeListener) Rumble(controllerNumber, lowFreq, highFreq uint16) {
	f.rumbles = append(f.rumbles, [3]uint16{controllerNumber, lowFreq, highFreq})
}
func (f *fakeListener) ConnectionStatusUpdate(status callback.Status) {}
func (f *fakeListener) ConnectionTerminated(code int) {
	f.terminations = append(f.terminations, code)
}

func newTestSession(p profile.Profile, listener callback.Listener) (*Session, *fakeAdapter) {
	s := NewSession(Config{Listener: listener})
	s.profile = p
	adapter := &fakeAdapter{}
	s.transport = adapter
	return s, adapter
}

func TestDispatchInvalidationCoalescesQueuedTuples(t *testing.T) {
	s, adapter := newTestSession(profile.ProfileFor([4]int{5, 0, 0, 0}), &fakeListener{})

	if !s.EnqueueInvalidate(100, 200) {
		t.Fatalf("first enqueue should succeed")
	}
	if !s.EnqueueInvalidate(201, 250) {
		t.Fatalf("second enqueue should succeed")
	}

	if err := s.dispatchInvalidation(); err != nil {
		t.Fatalf("dispatchInvalidation: %v", err)
	}

	if len(adapter.sent) != 1 {
		t.Fatalf("expected exactly one dispatched frame, got %d", len(adapter.sent))
	}
	frame := adapter.sent[0]
	payload := frame[4:] // V1 header is 4 bytes
	start := binary.BigEndian.Uint64(payload[0:8])
	end := binary.BigEndian.Uint64(payload[8:16])
	if start != 100 || end != 250 {
		t.Fatalf("got range (%d, %d), want (100, 250)", start, end)
	}
}

func TestIDREscalationOnFullQueue(t *testing.T) {
	s, adapter := newTestSession(profile.ProfileFor([4]int{5, 0, 0, 0}), &fakeListener{})
	s.SawFrame(1000)

	for i := 0; i < invalidationQueueCap; i++ {
		if !s.EnqueueInvalidate(uint32(i), uint32(i)) {
			t.Fatalf("enqueue %d should have succeeded, queue not yet full", i)
		}
	}
	if s.EnqueueInvalidate(9999, 9999) {
		t.Fatalf("21st enqueue should fail once the queue is full")
	}
	s.SetIdrRequired()

	if err := s.dispatchInvalidation(); err != nil {
		t.Fatalf("dispatchInvalidation: %v", err)
	}

	if len(adapter.sent) != 1 {
		t.Fatalf("expected exactly one dispatched frame, got %d", len(adapter.sent))
	}
	frame := adapter.sent[0]
	msgType := binary.LittleEndian.Uint16(frame[0:2])
	if msgType != s.profile.Code(profile.InvalidateRefFrames) {
		t.Fatalf("expected an InvalidateRefFrames (IDR) message, got type %#x", msgType)
	}
	payload := frame[4:]
	first := binary.BigEndian.Uint64(payload[0:8])
	last := binary.BigEndian.Uint64(payload[8:16])
	if first != 1000-idrBackWindow || last != 1000 {
		t.Fatalf("got IDR range (%d, %d), want (%d, 1000)", first, last, 1000-idrBackWindow)
	}
}

func TestTerminationMapping(t *testing.T) {
	cases := []struct {
		name         string
		code         int64
		anyFrameSeen bool
		want         int
	}{
		{"graceful hresult, frame seen", hresultGraceful, true, callback.GracefulTermination},
		{"graceful hresult, no frame seen", hresultGraceful, false, callback.UnexpectedEarlyTermination},
		{"legacy graceful, frame seen", legacyGraceful, true, callback.GracefulTermination},
		{"legacy graceful, no frame seen", legacyGraceful, false, callback.UnexpectedEarlyTermination},
		{"protected content", hresultProtectedContent, true, callback.ProtectedContent},
		{"passthrough legacy code", 0x0200, true, 0x0200},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestSession(profile.ProfileFor([4]int{5, 0, 0, 0}), &fakeListener{})
			s.anyFrameSeen = tc.anyFrameSeen
			if got := s.mapTerminationCode(tc.code); got != tc.want {
				t.Fatalf("mapTerminationCode(%#x) = %d, want %d", tc.code, got, tc.want)
			}
		})
	}
}

func TestHandleReceivedDispatchesRumble(t *testing.T) {
	p := profile.ProfileFor([4]int{5, 0, 0, 0})
	listener := &fakeListener{}
	s, _ := newTestSession(p, listener)

	payload := make([]byte, 10)
	binary.LittleEndian.PutUint16(payload[4:6], 1)
	binary.LittleEndian.PutUint16(payload[6:8], 0x1234)
	binary.LittleEndian.PutUint16(payload[8:10], 0x5678)
	frame := transport.FrameV1(p.Code(profile.RumbleData), payload)

	terminated := s.handleReceived(frame)
	if terminated {
		t.Fatalf("rumble dispatch must not terminate the session")
	}
	if len(listener.rumbles) != 1 || listener.rumbles[0] != [3]uint16{1, 0x1234, 0x5678} {
		t.Fatalf("got rumbles %v, want [(1, 0x1234, 0x5678)]", listener.rumbles)
	}
}

func TestHandleReceivedTerminationFiresOnceAndStopsWorker(t *testing.T) {
	p := profile.ProfileFor([4]int{5, 0, 0, 0})
	listener := &fakeListener{}
	s, _ := newTestSession(p, listener)
	s.anyFrameSeen = true

	payload := make([]byte, 6)
	binary.BigEndian.PutUint32(payload[0:4], hresultGraceful)
	frame := transport.FrameV1(p.Code(profile.Termination), payload)

	if !s.handleReceived(frame) {
		t.Fatalf("termination dispatch must signal the receive worker to stop")
	}
	// A second delivery (e.g. a retransmit) must not re-fire the callback.
	s.handleReceived(frame)

	if len(listener.terminations) != 1 || listener.terminations[0] != callback.GracefulTermination {
		t.Fatalf("got terminations %v, want exactly one GRACEFUL_TERMINATION", listener.terminations)
	}
}

func TestDecodeFrameDropsUnexpectedOuterTypeUnderEncryption(t *testing.T) {
	p := profile.ProfileFor([4]int{7, 1, 431, 0}) // Gen7-Encrypted
	s, _ := newTestSession(p, &fakeListener{})
	gcm, err := codec.NewGCMFramer([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewGCMFramer: %v", err)
	}
	s.gcm = gcm

	bogus := []byte{0x02, 0x00, 0x00, 0x00} // outer type 0x0002, not 0x0001
	if _, ok := s.decodeFrame(bogus); ok {
		t.Fatalf("expected decodeFrame to drop a non-0x0001 outer type under encryption")
	}
}

func TestDecodeFrameRoundTripsThroughGCM(t *testing.T) {
	p := profile.ProfileFor([4]int{7, 1, 431, 0})
	s, _ := newTestSession(p, &fakeListener{})
	gcm, _ := codec.NewGCMFramer([]byte("0123456789abcdef"))
	s.gcm = gcm

	frame, _, err := gcm.Encrypt(p.Code(profile.RumbleData), []byte{0, 0, 0, 0, 1, 0, 0x34, 0x12, 0x78, 0x56})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plain, ok := s.decodeFrame(frame)
	if !ok {
		t.Fatalf("expected decodeFrame to accept a correctly wrapped GCM frame")
	}
	if binary.LittleEndian.Uint16(plain[0:2]) != p.Code(profile.RumbleData) {
		t.Fatalf("decoded message type mismatch")
	}
}

func rumbleFrame(p profile.Profile, controllerNumber uint16) []byte {
	payload := make([]byte, 10)
	binary.LittleEndian.PutUint16(payload[4:6], controllerNumber)
	return transport.FrameV1(p.Code(profile.RumbleData), payload)
}

func terminationFrame(p profile.Profile, code uint32) []byte {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint32(payload[0:4], code)
	return transport.FrameV1(p.Code(profile.Termination), payload)
}

// TestDrainOnDisconnectDispatchesStragglersBeforeTerminalCallback is
// Testable Scenario S6: after a disconnect, receive events queued behind
// it must be dispatched before the terminal callback fires, and a single
// straggler must not short-circuit the drain/timeout wait.
func TestDrainOnDisconnectDispatchesStragglersBeforeTerminalCallback(t *testing.T) {
	p := profile.ProfileFor([4]int{5, 0, 0, 0})
	listener := &fakeListener{}
	s, adapter := newTestSession(p, listener)

	adapter.queueEvent(transport.Event{Type: transport.EventReceive, Data: rumbleFrame(p, 1)})
	adapter.queueEvent(transport.Event{Type: transport.EventReceive, Data: rumbleFrame(p, 2)})
	// Queue runs dry after that: both drain and final waits see EventNone.

	if !s.drainOnDisconnect() {
		t.Fatalf("expected drainOnDisconnect to terminate once the drain window goes quiet")
	}

	if len(listener.rumbles) != 2 {
		t.Fatalf("expected both stragglers dispatched before termination, got %d", len(listener.rumbles))
	}
	if len(listener.terminations) != 1 || listener.terminations[0] != -1 {
		t.Fatalf("got terminations %v, want exactly one -1", listener.terminations)
	}
}

// TestDrainOnDisconnectTerminationStragglerStopsImmediately verifies that a
// Termination message arriving during the drain window ends the session
// through the normal termination path rather than the -1 fallback.
func TestDrainOnDisconnectTerminationStragglerStopsImmediately(t *testing.T) {
	p := profile.ProfileFor([4]int{5, 0, 0, 0})
	listener := &fakeListener{}
	s, adapter := newTestSession(p, listener)
	s.anyFrameSeen = true

	adapter.queueEvent(transport.Event{Type: transport.EventReceive, Data: rumbleFrame(p, 1)})
	adapter.queueEvent(transport.Event{Type: transport.EventReceive, Data: terminationFrame(p, hresultGraceful)})

	if !s.drainOnDisconnect() {
		t.Fatalf("expected drainOnDisconnect to report termination")
	}
	if len(listener.rumbles) != 1 {
		t.Fatalf("expected the rumble straggler dispatched before termination, got %d", len(listener.rumbles))
	}
	if len(listener.terminations) != 1 || listener.terminations[0] != callback.GracefulTermination {
		t.Fatalf("got terminations %v, want exactly one GRACEFUL_TERMINATION", listener.terminations)
	}
}

// TestDrainOnDisconnectFinalWaitRecoversRetransmittedEvent confirms a
// straggler that only shows up during the final disconnectFinalWait
// (after the 100ms drain window already went quiet) is still dispatched.
func TestDrainOnDisconnectFinalWaitRecoversRetransmittedEvent(t *testing.T) {
	p := profile.ProfileFor([4]int{5, 0, 0, 0})
	listener := &fakeListener{}
	s, adapter := newTestSession(p, listener)

	// The 100ms drain window goes quiet immediately; the straggler only
	// shows up on the following Service call, i.e. the final wait.
	adapter.queueEvent(transport.Event{Type: transport.EventNone})
	adapter.queueEvent(transport.Event{Type: transport.EventReceive, Data: rumbleFrame(p, 3)})

	if s.drainOnDisconnect() {
		t.Fatalf("a non-terminating straggler recovered during the final wait must not report termination")
	}
	if len(listener.rumbles) != 1 {
		t.Fatalf("expected the final-wait straggler dispatched, got %d", len(listener.rumbles))
	}
	if len(listener.terminations) != 0 {
		t.Fatalf("got terminations %v, want none", listener.terminations)
	}
}
