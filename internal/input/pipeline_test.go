package input

import (
	"encoding/binary"
	"testing"

	"github.com/moonparty/streamcore/internal/transport"
)

// fakeLegacyTransport is a minimal transport.Adapter recording frames
// handed to SendReliable, standing in for the dedicated legacy input
// socket or control peer.
type fakeLegacyTransport struct {
	sent [][]byte
}

func (f *fakeLegacyTransport) RequiresReplyDrain() bool { return false }
func (f *fakeLegacyTransport) SendReliable(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}
func (f *fakeLegacyTransport) RecvOne() ([]byte, error) { return nil, transport.ErrTransportFail }
func (f *fakeLegacyTransport) Service(timeoutMs int) (transport.Event, error) {
	return transport.Event{Type: transport.EventNone}, nil
}
func (f *fakeLegacyTransport) Flush()         {}
func (f *fakeLegacyTransport) DisconnectNow() {}
func (f *fakeLegacyTransport) Close() error   { return nil }

// newTestPipeline builds a Pipeline with the dispatch worker not yet
// started, so tests can queue events and call popAndCoalesce directly
// without racing a background goroutine.
func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(Config{AppVersion: [4]int{7, 1, 431, 0}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return p
}

func TestRelativeMouseCoalescingSaturates(t *testing.T) {
	p := newTestPipeline(t)

	for i := 0; i < 3; i++ {
		if err := p.SendMouseMove(30000, 0); err != nil {
			t.Fatalf("SendMouseMove #%d: %v", i, err)
		}
	}

	first, ok := p.popAndCoalesce()
	if !ok {
		t.Fatalf("expected a coalesced event")
	}
	m, ok := first.(*mouseMoveRelEvent)
	if !ok {
		t.Fatalf("got %T, want *mouseMoveRelEvent", first)
	}
	if m.deltaX != 60000 || m.deltaY != 0 {
		t.Fatalf("got delta (%d, %d), want (60000, 0)", m.deltaX, m.deltaY)
	}

	second, ok := p.popAndCoalesce()
	if !ok {
		t.Fatalf("expected the third move to still be queued")
	}
	m2, ok := second.(*mouseMoveRelEvent)
	if !ok {
		t.Fatalf("got %T, want *mouseMoveRelEvent", second)
	}
	if m2.deltaX != 30000 || m2.deltaY != 0 {
		t.Fatalf("got delta (%d, %d), want (30000, 0)", m2.deltaX, m2.deltaY)
	}

	if _, ok := p.popAndCoalesce(); ok {
		t.Fatalf("queue should now be empty")
	}
}

func TestAbsoluteMouseDedup(t *testing.T) {
	p := newTestPipeline(t)

	positions := []struct{ x, y int16 }{{10, 10}, {20, 20}, {30, 30}, {999, 888}}
	for _, pos := range positions {
		if err := p.SendMousePosition(pos.x, pos.y, 1920, 1080); err != nil {
			t.Fatalf("SendMousePosition: %v", err)
		}
	}

	ev, ok := p.popAndCoalesce()
	if !ok {
		t.Fatalf("expected one coalesced absolute-move event")
	}
	m, ok := ev.(*mouseMoveAbsEvent)
	if !ok {
		t.Fatalf("got %T, want *mouseMoveAbsEvent", ev)
	}
	if m.x != 999 || m.y != 888 {
		t.Fatalf("got position (%d, %d), want the last queued (999, 888)", m.x, m.y)
	}
	if _, ok := p.popAndCoalesce(); ok {
		t.Fatalf("queue should be drained by the single coalesced event")
	}
}

func TestKeyboardFixupLeftShiftSetsShift(t *testing.T) {
	p := newTestPipeline(t)
	if err := p.SendKeyboard(0xA0, 0x03, 0, 0); err != nil {
		t.Fatalf("SendKeyboard: %v", err)
	}
	ev, _ := p.popAndCoalesce()
	k := ev.(*keyboardEvent)
	if k.modifiers&ModifierShift == 0 {
		t.Fatalf("left shift must set the SHIFT modifier, got %#x", k.modifiers)
	}
}

func TestKeyboardFixupRightShiftClearsShift(t *testing.T) {
	p := newTestPipeline(t)
	if err := p.SendKeyboard(0xA1, 0x03, ModifierShift, 0); err != nil {
		t.Fatalf("SendKeyboard: %v", err)
	}
	ev, _ := p.popAndCoalesce()
	k := ev.(*keyboardEvent)
	if k.modifiers&ModifierShift != 0 {
		t.Fatalf("right shift must clear the SHIFT modifier, got %#x", k.modifiers)
	}
}

func TestKeyboardFixupMetaDownClearsMeta(t *testing.T) {
	p := newTestPipeline(t)
	if err := p.SendKeyboard(0x5B, 0x03, ModifierMeta, 0); err != nil {
		t.Fatalf("SendKeyboard: %v", err)
	}
	ev, _ := p.popAndCoalesce()
	k := ev.(*keyboardEvent)
	if k.modifiers&ModifierMeta != 0 {
		t.Fatalf("meta key down must clear the META modifier, got %#x", k.modifiers)
	}
}

func TestMultiControllerCoalescesOnlyWhenFieldsMatch(t *testing.T) {
	p := newTestPipeline(t)

	if err := p.SendMultiController(0, 1, 0x0010, 0, 0, 0, 0, 0, 0); err != nil {
		t.Fatalf("SendMultiController #1: %v", err)
	}
	if err := p.SendMultiController(0, 1, 0x0010, 50, 60, 100, 200, 300, 400); err != nil {
		t.Fatalf("SendMultiController #2: %v", err)
	}
	// Different button flags: must not coalesce with the above pair.
	if err := p.SendMultiController(0, 1, 0x0020, 1, 2, 3, 4, 5, 6); err != nil {
		t.Fatalf("SendMultiController #3: %v", err)
	}

	first, ok := p.popAndCoalesce()
	if !ok {
		t.Fatalf("expected the first two updates to coalesce")
	}
	m := first.(*multiControllerEvent)
	if m.leftTrigger != 50 || m.rightStickY != 400 {
		t.Fatalf("coalesced event should carry the newer trigger/stick values, got %+v", m)
	}

	second, ok := p.popAndCoalesce()
	if !ok {
		t.Fatalf("expected the third update to remain separate")
	}
	m2 := second.(*multiControllerEvent)
	if m2.buttonFlags != 0x0020 {
		t.Fatalf("expected the differing-buttonFlags update untouched, got %+v", m2)
	}
}

func TestRelativeMouseMoveBuildsGen5Magic(t *testing.T) {
	ev := &mouseMoveRelEvent{deltaX: -5, deltaY: 10}
	buf := ev.build([4]int{7, 1, 431, 0}, false)
	if len(buf) != 12 {
		t.Fatalf("got length %d, want 12", len(buf))
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != 0x07 {
		t.Fatalf("expected Gen5+ rel-move magic 0x07")
	}
	if int16(binary.BigEndian.Uint16(buf[8:10])) != -5 {
		t.Fatalf("deltaX round-trip mismatch")
	}
}

func TestHapticsEventQueuedAtProtocol71(t *testing.T) {
	p, err := New(Config{AppVersion: [4]int{7, 1, 431, 0}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !atLeast71(p.cfg.AppVersion) {
		t.Fatalf("protocol 7.1.431 must qualify for the haptics-enable packet")
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	if err := p.offer(&hapticsEvent{}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	ev, ok := p.popAndCoalesce()
	if !ok {
		t.Fatalf("expected the haptics event to be queued")
	}
	if _, ok := ev.(*hapticsEvent); !ok {
		t.Fatalf("got %T, want *hapticsEvent", ev)
	}
}

func TestQueueRejectsBeyondCapacity(t *testing.T) {
	p := newTestPipeline(t)
	for i := 0; i < queueCapacity; i++ {
		if err := p.SendMouseButton(0x07, 1); err != nil {
			t.Fatalf("SendMouseButton #%d: %v", i, err)
		}
	}
	if err := p.SendMouseButton(0x07, 1); err != ErrQueueFull {
		t.Fatalf("got %v, want ErrQueueFull", err)
	}
}

func TestHScrollRejectedWithoutSunshine(t *testing.T) {
	p, err := New(Config{AppVersion: [4]int{7, 1, 431, 0}, IsSunshine: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	if err := p.SendHScroll(120); err != ErrUnsupported {
		t.Fatalf("got %v, want ErrUnsupported", err)
	}
}

func TestRouteLegacyCBCEncryptsAndFramesWithLengthPrefix(t *testing.T) {
	legacy := &fakeLegacyTransport{}
	p, err := New(Config{
		AppVersion:      [4]int{5, 0, 0, 0},
		ForceLegacy:     true,
		LegacyTransport: legacy,
		AESKey:          make([]byte, 16),
		AESIV:           make([]byte, 16),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.legacyCBC == nil {
		t.Fatalf("profiles before Gen7 must use the CBC legacy framer")
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	p.route(&mouseButtonEvent{action: 0x07, button: 1})

	if len(legacy.sent) != 1 {
		t.Fatalf("expected exactly one legacy frame sent, got %d", len(legacy.sent))
	}
	frame := legacy.sent[0]
	length := binary.BigEndian.Uint32(frame[0:4])
	if int(length) != len(frame)-4 {
		t.Fatalf("length prefix %d does not match ciphertext length %d", length, len(frame)-4)
	}
	if length%16 != 0 {
		t.Fatalf("CBC ciphertext must be a multiple of the block size, got %d", length)
	}
}

func TestRouteLegacyGCMRollsIV(t *testing.T) {
	legacy := &fakeLegacyTransport{}
	p, err := New(Config{
		AppVersion:      [4]int{7, 1, 415, 0},
		ForceLegacy:     true,
		LegacyTransport: legacy,
		AESKey:          make([]byte, 16),
		AESIV:           make([]byte, 16),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.legacyGCM == nil {
		t.Fatalf("Gen7 non-unified input must use the rolling-IV GCM framer")
	}

	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	ivBefore := p.legacyGCM.CurrentIV()
	// An 18-byte absolute-move body: the IV only rolls once the ciphertext
	// reaches 16 bytes.
	p.route(&mouseMoveAbsEvent{x: 10, y: 20, width: 1920, height: 1080})
	ivAfter := p.legacyGCM.CurrentIV()

	if len(legacy.sent) != 1 {
		t.Fatalf("expected exactly one legacy frame sent, got %d", len(legacy.sent))
	}
	same := true
	for i := range ivBefore {
		if ivBefore[i] != ivAfter[i] {
			same = false
		}
	}
	if same {
		t.Fatalf("expected the rolling IV to change after a send")
	}
}
