// Package profile resolves a negotiated GameStream protocol version into the
// fixed table of message codes, payload lengths, and preconstructed bodies
// the control and input components need to speak that version correctly.
//
// A Profile is selected once, at session start, from the server's reported
// application version quad and never changes for the lifetime of a session.
package profile

// MessageIndex names a logical control-stream message kind. The wire code
// and expected payload length for a given index vary by protocol
// generation; absent combinations are represented with sentinels rather
// than a second return value so callers can check once and pass the result
// straight to the transport layer.
type MessageIndex int

const (
	StartA MessageIndex = iota
	StartB
	InvalidateRefFrames
	LossStats
	FrameStats
	InputData
	RumbleData
	Termination

	messageIndexCount
)

// NoMessage is returned by Code for an index the profile does not send or
// receive. A caller must never put this value on the wire.
const NoMessage uint16 = 0xFFFF

// NoLength is returned by PayloadLen when a profile has no fixed expected
// length for an index (either because the index has no length concept, or
// the profile doesn't use that index at all).
const NoLength = -1

// Profile is immutable once constructed by ProfileFor.
type Profile struct {
	name            string
	versionQuad     [4]int
	usesENet        bool
	encryptedCtrl   bool
	periodicPing    bool
	inputOnControl  bool
	inputGCMMode    bool
	rollingIVQuirk  bool
	codes           [messageIndexCount]uint16
	lens            [messageIndexCount]int
	preconstructed  map[MessageIndex][]byte
}

// Name reports the profile's human-readable generation label, e.g. "Gen7".
func (p Profile) Name() string { return p.name }

// UsesENet reports whether the control channel is a reliable-UDP peer
// (true, Gen5+) or a plain TCP stream (false, Gen3/Gen4).
func (p Profile) UsesENet() bool { return p.usesENet }

// EncryptedControlStream reports whether control-stream frames are wrapped
// in AES-GCM (true at protocol >= 7.1.431).
func (p Profile) EncryptedControlStream() bool { return p.encryptedCtrl }

// UsePeriodicPing reports whether the telemetry worker should send fixed
// periodic pings (true) instead of loss-stats reports (false).
func (p Profile) UsePeriodicPing() bool { return p.periodicPing }

// InputOnControlStream reports whether input packets are multiplexed onto
// the control channel (true, Gen5+) instead of using a dedicated socket.
func (p Profile) InputOnControlStream() bool { return p.inputOnControl }

// InputGCMMode reports whether the legacy dedicated input channel uses
// AES-GCM framing (true, Gen7+ non-unified) instead of AES-CBC (false).
func (p Profile) InputGCMMode() bool { return p.inputGCMMode }

// RollingIVQuirk reports whether the legacy input GCM IV must be replaced
// with the tail of each sent ciphertext, a bit-exact server-imitated quirk.
func (p Profile) RollingIVQuirk() bool { return p.rollingIVQuirk }

// Code returns the wire message type for idx, or NoMessage if this profile
// never sends or receives that index.
func (p Profile) Code(idx MessageIndex) uint16 {
	if idx < 0 || idx >= messageIndexCount {
		return NoMessage
	}
	return p.codes[idx]
}

// PayloadLen returns the expected payload length for idx, or NoLength if
// this profile has no fixed length for it.
func (p Profile) PayloadLen(idx MessageIndex) int {
	if idx < 0 || idx >= messageIndexCount {
		return NoLength
	}
	return p.lens[idx]
}

// Preconstructed returns a constant payload body for idx, and whether one
// exists. StartA/StartB always have one; InvalidateRefFrames has one only
// on profiles older than Gen5, where "invalidate" really means "request a
// full IDR frame" because there is no granular range-invalidation message.
func (p Profile) Preconstructed(idx MessageIndex) ([]byte, bool) {
	b, ok := p.preconstructed[idx]
	return b, ok
}

func sentinelProfile(name string, quad [4]int) Profile {
	p := Profile{name: name, versionQuad: quad, preconstructed: map[MessageIndex][]byte{}}
	for i := range p.codes {
		p.codes[i] = NoMessage
	}
	for i := range p.lens {
		p.lens[i] = NoLength
	}
	return p
}

func gen3() Profile {
	p := sentinelProfile("Gen3", [4]int{3, 0, 0, 0})
	p.codes[StartA] = 0x0305
	p.codes[StartB] = 0x0307
	p.codes[InvalidateRefFrames] = 0x0302 // legacy: full IDR request, no range
	p.codes[LossStats] = 0x0201
	p.codes[FrameStats] = 0x0204
	p.codes[RumbleData] = 0x010b
	p.codes[Termination] = 0x0100
	p.lens[StartA] = 0
	p.lens[StartB] = 0
	p.preconstructed[StartA] = []byte{}
	p.preconstructed[StartB] = []byte{}
	p.preconstructed[InvalidateRefFrames] = []byte{0, 0}
	return p
}

func gen4() Profile {
	p := gen3()
	p.name = "Gen4"
	p.versionQuad = [4]int{4, 0, 0, 0}
	p.codes[StartA] = 0x0305
	p.codes[StartB] = 0x0307
	return p
}

func gen5() Profile {
	p := sentinelProfile("Gen5", [4]int{5, 0, 0, 0})
	p.usesENet = true
	p.inputOnControl = true
	p.codes[StartA] = 0x0305
	p.codes[StartB] = 0x0307
	p.codes[InvalidateRefFrames] = 0x0301
	p.codes[LossStats] = 0x0201
	p.codes[FrameStats] = 0x0204
	p.codes[InputData] = 0x0206
	p.codes[RumbleData] = 0x010b
	p.codes[Termination] = 0x0109
	p.lens[StartA] = 0
	p.lens[StartB] = 0
	p.preconstructed[StartA] = []byte{}
	p.preconstructed[StartB] = []byte{}
	return p
}

func gen7() Profile {
	p := gen5()
	p.name = "Gen7"
	p.versionQuad = [4]int{7, 1, 415, 0}
	p.periodicPing = true
	p.inputGCMMode = true
	p.rollingIVQuirk = true
	p.codes[StartA] = 0x0305
	p.codes[StartB] = 0x0307
	p.codes[InvalidateRefFrames] = 0x0301
	p.codes[LossStats] = 0x0201
	p.codes[FrameStats] = 0x0204
	p.codes[InputData] = 0x0206
	p.codes[RumbleData] = 0x010b
	p.codes[Termination] = 0x0109
	return p
}

func gen7Encrypted() Profile {
	p := gen7()
	p.name = "Gen7-Encrypted"
	p.versionQuad = [4]int{7, 1, 431, 0}
	p.encryptedCtrl = true
	p.codes[StartA] = 0x0305
	p.codes[StartB] = 0x0307
	p.codes[InvalidateRefFrames] = 0x0301
	p.codes[LossStats] = 0x0201
	p.codes[FrameStats] = 0x0204
	p.codes[InputData] = 0x0206
	p.codes[RumbleData] = 0x010b
	p.codes[Termination] = 0x0109
	return p
}

// ProfileFor resolves a server application version quad (major, minor,
// patch, build) to the matching Profile. Versions below Gen3 are not
// supported by this client, per spec.md's Non-goals; callers should treat
// the returned Gen3 profile as a floor, not a guarantee of compatibility.
func ProfileFor(version [4]int) Profile {
	switch {
	case atLeast(version, 7, 1, 431):
		return gen7Encrypted()
	case version[0] >= 7:
		p := gen7()
		p.periodicPing = atLeast(version, 7, 1, 415)
		return p
	case atLeast(version, 5, 0, 0):
		return gen5()
	case atLeast(version, 4, 0, 0):
		return gen4()
	default:
		return gen3()
	}
}

func atLeast(v [4]int, major, minor, build int) bool {
	if v[0] != major {
		return v[0] > major
	}
	if v[1] != minor {
		return v[1] > minor
	}
	return v[2] >= build
}
