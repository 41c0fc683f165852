// Package provision stands in for the RTSP/HTTPS pairing handshake a real
// GameStream client performs before opening the control channel: the step
// that resolves a paired host into a remote address, a negotiated
// application version, and the AES key/IV material the control and input
// streams are encrypted with. That handshake is out of scope for this
// module (see spec.md's Non-goals), so KeySource gives the Control
// Session constructor and the Input Pipeline something concrete to read
// those values from without depending on `moonlight-common-go/rtsp` or
// `internal/moonlight`.
package provision

// KeySource supplies the connection parameters a real pairing/RTSP
// handshake would otherwise produce.
type KeySource interface {
	// RemoteAddress is the paired host's IP or hostname, used to dial the
	// control transport.
	RemoteAddress() string

	// AppVersion is the server's reported GameStream application version
	// quad, used to resolve the negotiated profile.
	AppVersion() [4]int

	// IsSunshine reports whether the host is a Sunshine server (enabling
	// the Sunshine-only extensions: horizontal scroll, extended gamepad
	// buttons, per-controller battery/arrival/motion packets).
	IsSunshine() bool

	// ControlKey returns the 16-byte AES key used for the encrypted
	// control stream on profiles that have one.
	ControlKey() []byte

	// InputKeyIV returns the 16-byte AES key and IV used by the legacy
	// dedicated input channel on profiles that don't multiplex input onto
	// the control stream.
	InputKeyIV() (key, iv []byte)
}

// Static is a KeySource built from fields fixed at construction, useful
// for tests and for the bridge's standalone demo mode where the pairing
// handshake has already happened out of band (e.g. a config file or a
// manual pairing step performed once ahead of time).
type Static struct {
	Host          string
	Version       [4]int
	Sunshine      bool
	ControlAESKey []byte
	InputAESKey   []byte
	InputAESIV    []byte
}

var _ KeySource = Static{}

// RemoteAddress implements KeySource.
func (s Static) RemoteAddress() string { return s.Host }

// AppVersion implements KeySource.
func (s Static) AppVersion() [4]int { return s.Version }

// IsSunshine implements KeySource.
func (s Static) IsSunshine() bool { return s.Sunshine }

// ControlKey implements KeySource.
func (s Static) ControlKey() []byte { return s.ControlAESKey }

// InputKeyIV implements KeySource.
func (s Static) InputKeyIV() (key, iv []byte) { return s.InputAESKey, s.InputAESIV }
