package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// peerConnection wraps one browser's WebRTC peer connection: an ordered
// "control" data channel carrying signaling-style JSON events both ways,
// and an unordered, zero-retransmit "input" data channel carrying the
// latency-sensitive gamepad/mouse stream, matching the channel split
// spec.md §5 assumes between reliable control traffic and best-effort
// input.
type peerConnection struct {
	id string
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	controlDC *webrtc.DataChannel
	inputDC   *webrtc.DataChannel

	onInput   func(data []byte)
	onControl func(data []byte)
}

func newPeerConnection(api *webrtc.API, config webrtc.Configuration, id string) (*peerConnection, error) {
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("bridge: new peer connection: %w", err)
	}

	p := &peerConnection{id: id, pc: pc}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("bridge: peer %s connection state %s", id, state)
	})

	return p, nil
}

// setupDataChannels creates the control and input data channels and wires
// their OnMessage handlers to the peer's onControl/onInput callbacks. It
// must be called before handleOffer.
func (p *peerConnection) setupDataChannels() error {
	ordered := true
	controlDC, err := p.pc.CreateDataChannel("control", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("bridge: create control channel: %w", err)
	}

	unordered := false
	zeroRetransmits := uint16(0)
	inputDC, err := p.pc.CreateDataChannel("input", &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &zeroRetransmits,
	})
	if err != nil {
		return fmt.Errorf("bridge: create input channel: %w", err)
	}

	p.mu.Lock()
	p.controlDC = controlDC
	p.inputDC = inputDC
	p.mu.Unlock()

	controlDC.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.onControl != nil {
			p.onControl(msg.Data)
		}
	})
	inputDC.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.onInput != nil {
			p.onInput(msg.Data)
		}
	})

	return nil
}

// handleOffer sets the remote description, waits for ICE gathering, and
// returns the local answer SDP.
func (p *peerConnection) handleOffer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("bridge: set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("bridge: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("bridge: set local description: %w", err)
	}

	<-webrtc.GatheringCompletePromise(p.pc)
	return p.pc.LocalDescription().SDP, nil
}

func (p *peerConnection) addICECandidate(candidateJSON string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &candidate); err != nil {
		return err
	}
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) onICECandidate(fn func(candidateJSON string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(string(data))
	})
}

// sendControl writes data on the control channel if it's open, dropping
// it silently otherwise (the channel reopening is the browser's job, not
// something worth buffering for).
func (p *peerConnection) sendControl(data []byte) error {
	p.mu.Lock()
	dc := p.controlDC
	p.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	return dc.Send(data)
}

func (p *peerConnection) close() error {
	return p.pc.Close()
}
