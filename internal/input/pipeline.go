// Package input implements the Input Pipeline: a bounded, coalescing queue
// of user input events (keyboard, mouse, gamepad, scroll, haptics) that
// routes dispatched packets either onto the control session's unified
// input channel or through a dedicated, profile-specific encrypted
// channel, depending on what the negotiated profile calls for.
package input

import (
	"encoding/binary"
	"errors"
	"log"
	"sync"

	"github.com/moonparty/streamcore/internal/codec"
	"github.com/moonparty/streamcore/internal/control"
	"github.com/moonparty/streamcore/internal/profile"
	"github.com/moonparty/streamcore/internal/protocol"
	"github.com/moonparty/streamcore/internal/transport"
)

// queueCapacity bounds the pipeline's FIFO per spec.md §4.5.
const queueCapacity = 30

// int16Min/int16Max bound the relative-mouse coalescing saturation check.
const (
	int16Min = -32768
	int16Max = 32767
)

// ErrNotInitialized is returned by every public operation before Start or
// after Stop.
var ErrNotInitialized = errors.New("input: pipeline not initialized")

// ErrQueueFull is returned when the bounded FIFO has no room for a new
// event. Callers may drop the input silently; this is never fatal.
var ErrQueueFull = errors.New("input: queue full")

// ErrUnsupported is returned for Sunshine-only operations (horizontal
// scroll) issued against a GFE-only session.
var ErrUnsupported = errors.New("input: unsupported by this server")

// Modifier flags for SendKeyboard, matching the wire protocol's modifier
// byte.
const (
	ModifierShift = 0x01
	ModifierCtrl  = 0x02
	ModifierAlt   = 0x04
	ModifierMeta  = 0x08
)

// Config supplies the per-session parameters the pipeline needs to build
// and route packets correctly.
type Config struct {
	AppVersion [4]int
	IsSunshine bool

	// Session is the control channel, used when the profile multiplexes
	// input onto it (InputOnControlStream).
	Session *control.Session

	// LegacyTransport is the dedicated input channel used when input is
	// not multiplexed onto the control stream: a TCP socket for profiles
	// below Gen5, or the control peer itself for negotiated non-unified
	// Gen5+ sessions. ForceLegacy below selects the latter case.
	LegacyTransport transport.Adapter

	// AESKey/AESIV provision the legacy dedicated-channel cipher: CBC
	// below Gen7, rolling-IV GCM at Gen7+.
	AESKey, AESIV []byte

	// ForceLegacy overrides the profile's InputOnControlStream default,
	// for sessions that negotiated non-unified input despite running on a
	// profile whose table entry defaults to unified (real GameStream
	// negotiates this independently of protocol generation; see
	// DESIGN.md).
	ForceLegacy bool
}

// Pipeline is the bounded, coalescing input queue described in spec.md
// §4.5. It must be started with Start before any Send* method is called.
type Pipeline struct {
	cfg     Config
	profile profile.Profile

	mu       sync.Mutex
	queue    []event
	notEmpty chan struct{}

	legacyGCM *codec.GCMInputFramer
	legacyCBC *codec.CBCFramer

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Pipeline from cfg. It does not start the dispatch
// worker; call Start for that.
func New(cfg Config) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		profile:  profile.ProfileFor(cfg.AppVersion),
		notEmpty: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if p.usesLegacyChannel() {
		if p.profile.InputGCMMode() {
			gcm, err := codec.NewGCMInputFramer(cfg.AESKey, cfg.AESIV)
			if err != nil {
				return nil, err
			}
			p.legacyGCM = gcm
		} else {
			cbc, err := codec.NewCBCFramer(cfg.AESKey, cfg.AESIV)
			if err != nil {
				return nil, err
			}
			p.legacyCBC = cbc
		}
	}

	return p, nil
}

func (p *Pipeline) usesLegacyChannel() bool {
	return p.cfg.ForceLegacy || !p.profile.InputOnControlStream()
}

// Start marks the pipeline ready for input and, on protocol >= 7.1, queues
// the haptics-enable packet ahead of anything else so the server starts
// emitting rumble events before the first real input arrives.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	go p.dispatchLoop()

	if atLeast71(p.cfg.AppVersion) {
		return p.offer(&hapticsEvent{})
	}
	return nil
}

// Stop drains no further input, stops the dispatch worker, and waits for
// it to exit.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
}

func atLeast71(v [4]int) bool {
	if v[0] != 7 {
		return v[0] > 7
	}
	return v[1] >= 1
}

// offer appends ev to the bounded queue and wakes the dispatch worker. It
// rejects the event with ErrQueueFull once the queue is at capacity, and
// with ErrNotInitialized before Start or after Stop.
func (p *Pipeline) offer(ev event) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotInitialized
	}
	if len(p.queue) >= queueCapacity {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()

	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// SendMouseMove queues a relative mouse movement.
func (p *Pipeline) SendMouseMove(deltaX, deltaY int16) error {
	if deltaX == 0 && deltaY == 0 {
		return nil
	}
	return p.offer(&mouseMoveRelEvent{deltaX: int32(deltaX), deltaY: int32(deltaY)})
}

// SendMousePosition queues an absolute mouse position update.
func (p *Pipeline) SendMousePosition(x, y, refWidth, refHeight int16) error {
	return p.offer(&mouseMoveAbsEvent{x: x, y: y, width: refWidth, height: refHeight})
}

// SendMouseButton queues a mouse button press or release.
func (p *Pipeline) SendMouseButton(action uint8, button int) error {
	return p.offer(&mouseButtonEvent{action: action, button: button})
}

// SendKeyboard queues a keyboard key press or release, after applying the
// GFE-compatibility modifier fixups required by spec.md §4.5.
func (p *Pipeline) SendKeyboard(keyCode int16, keyAction, modifiers, flags uint8) error {
	keyCode, modifiers = fixModifiers(keyCode, modifiers)
	return p.offer(&keyboardEvent{keyCode: keyCode, action: keyAction, modifiers: modifiers, flags: flags})
}

// SendController queues a single-gamepad state update (controller 0).
func (p *Pipeline) SendController(buttonFlags int, leftTrigger, rightTrigger uint8,
	leftStickX, leftStickY, rightStickX, rightStickY int16) error {
	return p.SendMultiController(0, 1, buttonFlags, leftTrigger, rightTrigger,
		leftStickX, leftStickY, rightStickX, rightStickY)
}

// SendMultiController queues a multi-controller state update.
func (p *Pipeline) SendMultiController(controllerNumber, activeGamepadMask int16, buttonFlags int,
	leftTrigger, rightTrigger uint8, leftStickX, leftStickY, rightStickX, rightStickY int16) error {

	if buttonFlags < 0 {
		buttonFlags &= 0xFFFF
	}
	if !p.cfg.IsSunshine {
		controllerNumber %= 4
		activeGamepadMask &= 0xF
		if buttonFlags&protocol.ButtonMisc != 0 {
			buttonFlags |= protocol.ButtonHome
		}
	} else {
		controllerNumber %= 16
	}

	return p.offer(&multiControllerEvent{
		controllerNumber:  controllerNumber,
		activeGamepadMask: activeGamepadMask,
		buttonFlags:       uint32(buttonFlags),
		leftTrigger:       leftTrigger,
		rightTrigger:      rightTrigger,
		leftStickX:        leftStickX,
		leftStickY:        leftStickY,
		rightStickX:       rightStickX,
		rightStickY:       rightStickY,
	})
}

// SendScroll queues a vertical scroll event, scaled by WheelDelta per
// spec.md §4.5.
func (p *Pipeline) SendScroll(clicks int16) error {
	if clicks == 0 {
		return nil
	}
	return p.offer(&scrollEvent{amount: clicks * protocol.WheelDelta})
}

// SendHighResScroll queues a pre-scaled scroll event.
func (p *Pipeline) SendHighResScroll(amount int16) error {
	if amount == 0 {
		return nil
	}
	return p.offer(&scrollEvent{amount: amount})
}

// SendHScroll queues a horizontal scroll event. Only meaningful against
// Sunshine servers.
func (p *Pipeline) SendHScroll(amount int16) error {
	if !p.cfg.IsSunshine {
		return ErrUnsupported
	}
	if amount == 0 {
		return nil
	}
	return p.offer(&hScrollEvent{amount: amount})
}

func fixModifiers(keyCode int16, modifiers uint8) (int16, uint8) {
	switch keyCode & 0xFF {
	case 0x5B, 0x5C: // VK_LWIN, VK_RWIN
		modifiers &^= ModifierMeta
	case 0xA0: // VK_LSHIFT
		modifiers |= ModifierShift
	case 0xA1: // VK_RSHIFT
		modifiers &^= ModifierShift
	case 0xA2: // VK_LCONTROL
		modifiers |= ModifierCtrl
	case 0xA3: // VK_RCONTROL
		modifiers &^= ModifierCtrl
	case 0xA4: // VK_LMENU
		modifiers |= ModifierAlt
	case 0xA5: // VK_RMENU
		modifiers &^= ModifierAlt
	}
	return keyCode, modifiers
}

// dispatchLoop pops the queue head, coalesces it with whatever of the same
// type immediately follows, and routes the result. It exits once Stop
// closes stopCh and the queue has drained.
func (p *Pipeline) dispatchLoop() {
	defer close(p.doneCh)

	for {
		ev, ok := p.popAndCoalesce()
		if ok {
			p.route(ev)
			continue
		}

		select {
		case <-p.stopCh:
			return
		case <-p.notEmpty:
		}
	}
}

func (p *Pipeline) popAndCoalesce() (event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil, false
	}
	head := p.queue[0]
	p.queue = p.queue[1:]

	for len(p.queue) > 0 {
		merged, consumed := head.coalesce(p.queue[0])
		if !consumed {
			break
		}
		head = merged
		p.queue = p.queue[1:]
	}
	return head, true
}

func (p *Pipeline) route(ev event) {
	body := ev.build(p.cfg.AppVersion, p.cfg.IsSunshine)

	if !p.usesLegacyChannel() {
		if p.cfg.Session != nil {
			if err := p.cfg.Session.SendInputData(body); err != nil {
				log.Printf("input: send on control stream failed: %v", err)
			}
		}
		return
	}

	var ciphertext []byte
	if p.legacyGCM != nil {
		sealed, err := p.legacyGCM.Encrypt(body)
		if err != nil {
			log.Printf("input: legacy GCM encrypt failed: %v", err)
			return
		}
		ciphertext = sealed
	} else if p.legacyCBC != nil {
		ciphertext = p.legacyCBC.Encrypt(body)
	} else {
		ciphertext = body
	}

	frame := make([]byte, 4+len(ciphertext))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(ciphertext)))
	copy(frame[4:], ciphertext)

	if p.cfg.LegacyTransport != nil {
		if err := p.cfg.LegacyTransport.SendReliable(frame); err != nil {
			log.Printf("input: send on legacy channel failed: %v", err)
		}
	}
}
