package protocol

import (
	"encoding/binary"
	"math"
)

// NVInputHeader is the common header prefixed to every legacy input packet:
// a big-endian size (excluding the size field itself) followed by a
// little-endian magic number identifying the packet type.
type NVInputHeader struct {
	Size  uint32
	Magic uint32
}

// Input packet magic numbers, by protocol generation.
const (
	MouseMoveRelMagic     = 0x06
	MouseMoveRelMagicGen5 = 0x07
	MouseMoveAbsMagic     = 0x05

	MouseButtonDownMagic = 0x07
	MouseButtonUpMagic   = 0x08
	MouseButtonDownGen5  = 0x08
	MouseButtonUpGen5    = 0x09

	KeyboardMagic = 0x03

	ScrollMagic     = 0x09
	ScrollMagicGen5 = 0x0A
	SSHScrollMagic  = 0x55

	ControllerMagic          = 0x0D
	MultiControllerMagic     = 0x0E
	MultiControllerMagicGen5 = 0x1E

	EnableHapticsMagic = 0x5D
	UTF8TextEventMagic = 0x5E
)

// Multi-controller packet fixed header/trailer fields.
const (
	MultiControllerHeaderB = 0x001A
	MultiControllerMidB    = 0x0014
	MultiControllerTailA   = 0x0000
	MultiControllerTailB   = 0x0014
)

// WheelDelta matches the Windows WHEEL_DELTA constant; scroll amounts sent
// to the server are expressed in these units.
const WheelDelta = 120

// Gamepad button flags.
const (
	ButtonUp          = 0x0001
	ButtonDown        = 0x0002
	ButtonLeft        = 0x0004
	ButtonRight       = 0x0008
	ButtonStart       = 0x0010
	ButtonBack        = 0x0020
	ButtonLeftStick   = 0x0040
	ButtonRightStick  = 0x0080
	ButtonLeftBumper  = 0x0100
	ButtonRightBumper = 0x0200
	ButtonHome        = 0x0400
	ButtonA           = 0x1000
	ButtonB           = 0x2000
	ButtonX           = 0x4000
	ButtonY           = 0x8000

	// Extended button flags, Sunshine servers only.
	ButtonMisc     = 0x010000
	ButtonPaddle1  = 0x020000
	ButtonPaddle2  = 0x040000
	ButtonPaddle3  = 0x080000
	ButtonPaddle4  = 0x100000
	ButtonTouchpad = 0x200000
)

// Key actions, for the keyboard input packet.
const (
	KeyActionDown = 0x03
	KeyActionUp   = 0x04
)

// Mouse button identifiers, for the mouse button input packet.
const (
	MouseButtonLeft   = 0x01
	MouseButtonMiddle = 0x02
	MouseButtonRight  = 0x03
	MouseButtonX1     = 0x04
	MouseButtonX2     = 0x05
)

// Mouse button actions.
const (
	MouseActionPress   = 0x07
	MouseActionRelease = 0x08
)

// ENet packet flags, mirroring enet_uint32 ENET_PACKET_FLAG_*.
const (
	ENetPacketFlagReliable    = 1 << 0
	ENetPacketFlagUnsequenced = 1 << 1
)

// AESGCMTagLength is the size in bytes of an AES-GCM authentication tag.
const AESGCMTagLength = 16

// GCMIVLength is the size in bytes of the GCM nonce/IV used on the control
// and input streams (distinct from the RTP video/audio nonce size).
const GCMIVLength = 16

// EncryptedHeaderType marks a control-stream frame as AES-GCM wrapped.
const EncryptedHeaderType = 0x0001

// FloatToNetfloat converts a float32 to its little-endian wire
// representation, used by the Sunshine touch/pen/motion extension packets.
func FloatToNetfloat(f float32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
	return b
}

// NetfloatToFloat is the inverse of FloatToNetfloat.
func NetfloatToFloat(b [4]byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
}
