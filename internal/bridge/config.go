package bridge

// Config holds the bridge HTTP server's configuration, trimmed from the
// teacher's multi-player server.Config down to what a single-host,
// single-peer-per-session bridge actually needs: the video/audio
// StreamSettings and party-size fields it carried are out of scope here.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket server listens on.
	ListenAddr string `json:"listen_addr"`

	// Host is the paired GameStream/Sunshine server's address.
	Host string `json:"host"`

	// AppVersion is the negotiated GameStream application version quad.
	AppVersion [4]int `json:"app_version"`

	// Sunshine selects the Sunshine wire extensions (horizontal scroll,
	// extended gamepad buttons, rumble-triggers).
	Sunshine bool `json:"sunshine"`

	// ControlAESKeyHex and InputAESKeyHex/InputAESIVHex are the control-
	// and input-stream AES key material, hex-encoded, as produced by
	// whatever out-of-scope pairing step ran before the bridge started.
	ControlAESKeyHex string `json:"control_aes_key"`
	InputAESKeyHex   string `json:"input_aes_key"`
	InputAESIVHex    string `json:"input_aes_iv"`

	// ICEServers is a list of STUN/TURN server URLs offered to the
	// browser's WebRTC peer connection.
	ICEServers []string `json:"ice_servers"`
}

// DefaultConfig returns a configuration with sensible defaults for a
// Gen7 Sunshine host on the loopback interface.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		Host:       "localhost",
		AppVersion: [4]int{7, 1, 431, 0},
		Sunshine:   true,
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
		},
	}
}
