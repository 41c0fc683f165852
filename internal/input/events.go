package input

import (
	"encoding/binary"

	"github.com/moonparty/streamcore/internal/protocol"
)

// event is one queued input packet, with the coalescing behavior spec.md
// §4.5 requires when the dispatch worker finds it still queued behind a
// same-kind neighbor.
type event interface {
	// coalesce examines next, the entry immediately following this one in
	// the queue. If it can be folded into this event it returns the
	// merged event and true, consuming next from the queue. Otherwise it
	// returns (nil, false) and next is dispatched on its own in a later
	// iteration.
	coalesce(next event) (event, bool)

	// build renders the event's wire packet body (the NVInputHeader
	// prefix plus its payload), ready to hand to the control session's
	// unified input channel or to the legacy cipher.
	build(appVersion [4]int, isSunshine bool) []byte
}

// noCoalesce is embedded by event kinds that spec.md never merges:
// keyboard, mouse buttons, scroll, and haptics.
type noCoalesce struct{}

func (noCoalesce) coalesce(event) (event, bool) { return nil, false }

// mouseMoveRelEvent accumulates with its same-kind successor, subject to
// the int16 saturation check in spec.md's property 5.
type mouseMoveRelEvent struct {
	deltaX, deltaY int32
}

func (e *mouseMoveRelEvent) coalesce(next event) (event, bool) {
	n, ok := next.(*mouseMoveRelEvent)
	if !ok {
		return nil, false
	}
	sumX := e.deltaX + n.deltaX
	sumY := e.deltaY + n.deltaY
	if sumX < int16Min || sumX > int16Max || sumY < int16Min || sumY > int16Max {
		return nil, false
	}
	return &mouseMoveRelEvent{deltaX: sumX, deltaY: sumY}, true
}

func (e *mouseMoveRelEvent) build(appVersion [4]int, isSunshine bool) []byte {
	magic := uint32(protocol.MouseMoveRelMagic)
	if appVersion[0] >= 5 {
		magic = protocol.MouseMoveRelMagicGen5
	}
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], 8)
	binary.LittleEndian.PutUint32(buf[4:8], magic)
	binary.BigEndian.PutUint16(buf[8:10], uint16(int16(e.deltaX)))
	binary.BigEndian.PutUint16(buf[10:12], uint16(int16(e.deltaY)))
	return buf
}

// mouseMoveAbsEvent is replaced outright by any same-kind successor: only
// the newest absolute position is worth sending.
type mouseMoveAbsEvent struct {
	x, y, width, height int16
}

func (e *mouseMoveAbsEvent) coalesce(next event) (event, bool) {
	n, ok := next.(*mouseMoveAbsEvent)
	if !ok {
		return nil, false
	}
	return n, true
}

func (e *mouseMoveAbsEvent) build(appVersion [4]int, isSunshine bool) []byte {
	buf := make([]byte, 18)
	binary.BigEndian.PutUint32(buf[0:4], 14)
	binary.LittleEndian.PutUint32(buf[4:8], protocol.MouseMoveAbsMagic)
	binary.BigEndian.PutUint16(buf[8:10], uint16(e.x))
	binary.BigEndian.PutUint16(buf[10:12], uint16(e.y))
	binary.BigEndian.PutUint16(buf[12:14], 0)
	binary.BigEndian.PutUint16(buf[14:16], uint16(e.width-1))
	binary.BigEndian.PutUint16(buf[16:18], uint16(e.height-1))
	return buf
}

// mouseButtonEvent, action is protocol.MouseActionPress/Release.
type mouseButtonEvent struct {
	noCoalesce
	action uint8
	button int
}

func (e *mouseButtonEvent) build(appVersion [4]int, isSunshine bool) []byte {
	magic := uint32(e.action)
	if appVersion[0] >= 5 {
		magic++
	}
	buf := make([]byte, 9)
	binary.BigEndian.PutUint32(buf[0:4], 5)
	binary.LittleEndian.PutUint32(buf[4:8], magic)
	buf[8] = uint8(e.button)
	return buf
}

type keyboardEvent struct {
	noCoalesce
	keyCode           int16
	action, modifiers uint8
	flags             uint8
}

func (e *keyboardEvent) build(appVersion [4]int, isSunshine bool) []byte {
	buf := make([]byte, 14)
	binary.BigEndian.PutUint32(buf[0:4], 10)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.action))
	if isSunshine {
		buf[8] = e.flags
	}
	binary.LittleEndian.PutUint16(buf[9:11], uint16(e.keyCode))
	buf[11] = e.modifiers
	return buf
}

type scrollEvent struct {
	noCoalesce
	amount int16
}

func (e *scrollEvent) build(appVersion [4]int, isSunshine bool) []byte {
	magic := uint32(protocol.ScrollMagic)
	if appVersion[0] >= 5 {
		magic = protocol.ScrollMagicGen5
	}
	buf := make([]byte, 14)
	binary.BigEndian.PutUint32(buf[0:4], 10)
	binary.LittleEndian.PutUint32(buf[4:8], magic)
	binary.BigEndian.PutUint16(buf[8:10], uint16(e.amount))
	binary.BigEndian.PutUint16(buf[10:12], uint16(e.amount))
	binary.BigEndian.PutUint16(buf[12:14], 0)
	return buf
}

type hScrollEvent struct {
	noCoalesce
	amount int16
}

func (e *hScrollEvent) build(appVersion [4]int, isSunshine bool) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint32(buf[0:4], 6)
	binary.LittleEndian.PutUint32(buf[4:8], protocol.SSHScrollMagic)
	binary.BigEndian.PutUint16(buf[8:10], uint16(e.amount))
	return buf
}

type multiControllerEvent struct {
	controllerNumber, activeGamepadMask              int16
	buttonFlags                                      uint32
	leftTrigger, rightTrigger                        uint8
	leftStickX, leftStickY, rightStickX, rightStickY int16
}

func (e *multiControllerEvent) build(appVersion [4]int, isSunshine bool) []byte {
	magic := uint32(protocol.MultiControllerMagic)
	if appVersion[0] >= 5 {
		magic = protocol.MultiControllerMagicGen5
	}

	buf := make([]byte, 30)
	binary.BigEndian.PutUint32(buf[0:4], 26)
	binary.LittleEndian.PutUint32(buf[4:8], magic)
	binary.LittleEndian.PutUint16(buf[8:10], protocol.MultiControllerHeaderB)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(e.controllerNumber))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(e.activeGamepadMask))
	binary.LittleEndian.PutUint16(buf[14:16], protocol.MultiControllerMidB)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(e.buttonFlags&0xFFFF))
	buf[18] = e.leftTrigger
	buf[19] = e.rightTrigger
	binary.LittleEndian.PutUint16(buf[20:22], uint16(e.leftStickX))
	binary.LittleEndian.PutUint16(buf[22:24], uint16(e.leftStickY))
	binary.LittleEndian.PutUint16(buf[24:26], uint16(e.rightStickX))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(e.rightStickY))
	binary.LittleEndian.PutUint16(buf[28:30], protocol.MultiControllerTailA)

	if isSunshine {
		buf = append(buf, 0, 0, 0, 0)
		binary.LittleEndian.PutUint16(buf[30:32], uint16(e.buttonFlags>>16))
		binary.LittleEndian.PutUint16(buf[32:34], protocol.MultiControllerTailB)
		binary.BigEndian.PutUint32(buf[0:4], 30)
	}
	return buf
}

// coalesce merges a queued multi-controller update into the next one for
// the same controller, mask and button state, keeping only the newer
// trigger and stick values.
func (e *multiControllerEvent) coalesce(next event) (event, bool) {
	n, ok := next.(*multiControllerEvent)
	if !ok || n.controllerNumber != e.controllerNumber ||
		n.activeGamepadMask != e.activeGamepadMask || n.buttonFlags != e.buttonFlags {
		return nil, false
	}
	merged := *e
	merged.leftTrigger = n.leftTrigger
	merged.rightTrigger = n.rightTrigger
	merged.leftStickX = n.leftStickX
	merged.leftStickY = n.leftStickY
	merged.rightStickX = n.rightStickX
	merged.rightStickY = n.rightStickY
	return &merged, true
}

// hapticsEvent is the startup-only haptics-enable packet, queued once by
// Pipeline.Start on protocol >= 7.1.
type hapticsEvent struct {
	noCoalesce
}

func (e *hapticsEvent) build(appVersion [4]int, isSunshine bool) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], 4)
	binary.LittleEndian.PutUint32(buf[4:8], protocol.EnableHapticsMagic)
	return buf
}
