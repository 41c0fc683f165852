// Package bridge wires the Moonlight control-channel core to a browser
// client over WebRTC, so the module is a runnable program and not just a
// library. It is supplemental to spec.md's six core components (A-F):
// it exercises them end to end, but implements no protocol state of its
// own beyond SDP/ICE signaling and message framing.
package bridge

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/moonparty/streamcore/internal/callback"
	"github.com/moonparty/streamcore/internal/control"
	"github.com/moonparty/streamcore/internal/input"
	"github.com/moonparty/streamcore/internal/provision"
	"github.com/moonparty/streamcore/internal/quality"
	"github.com/moonparty/streamcore/internal/videofeed"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// KeySourceFactory produces a fresh provision.KeySource for one browser
// session, standing in for whatever pairing step (RTSP handshake, saved
// config, manual entry) determines which GameStream host a given browser
// tab controls.
type KeySourceFactory func() (provision.KeySource, error)

// Hub accepts browser WebSocket connections, opens a GameStream control
// session and input pipeline per connection, and bridges input/control
// events between the browser's WebRTC data channels and the Moonlight
// core.
type Hub struct {
	keySource  KeySourceFactory
	iceServers []string

	api    *webrtc.API
	config webrtc.Configuration

	mu       sync.Mutex
	sessions map[string]*bridgeSession
}

// NewHub constructs a Hub. iceServers is a list of STUN/TURN URLs; an
// empty list means host-only candidates (fine on a LAN).
func NewHub(keySource KeySourceFactory, iceServers []string) *Hub {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &Hub{
		keySource:  keySource,
		iceServers: iceServers,
		api:        webrtc.NewAPI(),
		config:     webrtc.Configuration{ICEServers: servers},
		sessions:   make(map[string]*bridgeSession),
	}
}

// ServeHTTP upgrades the request to a WebSocket and drives one browser
// session's signaling loop for its lifetime.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bridge: websocket upgrade: %v", err)
		return
	}

	id := uuid.New().String()
	bs, err := h.newBridgeSession(id, conn)
	if err != nil {
		log.Printf("bridge: session %s setup failed: %v", id, err)
		_ = conn.WriteJSON(envelope{Type: signalError, Payload: mustJSON(errorPayload{Error: err.Error()})})
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.sessions[id] = bs
	h.mu.Unlock()

	bs.run()

	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// bridgeSession ties one browser WebSocket connection to one GameStream
// control session, input pipeline, and connection quality monitor.
type bridgeSession struct {
	id   string
	conn *websocket.Conn
	peer *peerConnection

	ctrl     *control.Session
	pipeline *input.Pipeline
	monitor  *quality.Monitor
	feed     *videofeed.Feed

	sendMu sync.Mutex
}

func (h *Hub) newBridgeSession(id string, conn *websocket.Conn) (*bridgeSession, error) {
	ks, err := h.keySource()
	if err != nil {
		return nil, err
	}

	peer, err := newPeerConnection(h.api, h.config, id)
	if err != nil {
		return nil, err
	}
	if err := peer.setupDataChannels(); err != nil {
		return nil, err
	}

	bs := &bridgeSession{id: id, conn: conn, peer: peer}

	listener := &relayListener{session: bs}

	bs.ctrl = control.NewSession(control.Config{
		RemoteHost: ks.RemoteAddress(),
		AppVersion: ks.AppVersion(),
		AESKey:     ks.ControlKey(),
		Listener:   listener,
	})

	bs.monitor = quality.NewMonitor(
		func() time.Time { return time.Now() },
		listener.ConnectionStatusUpdate,
		bs.ctrl.EnqueueInvalidate,
		bs.ctrl.SetIdrRequired,
	)

	bs.feed = videofeed.New()
	bs.feed.AddFrameSink(bs.ctrl)
	bs.feed.AddFrameSink(bs.monitor)
	bs.feed.AddLossSink(bs.ctrl.RecordLostPackets)
	bs.feed.AddLossSink(bs.monitor.LostPackets)

	inputKey, inputIV := ks.InputKeyIV()
	pipeline, err := input.New(input.Config{
		AppVersion:      ks.AppVersion(),
		IsSunshine:      ks.IsSunshine(),
		Session:         bs.ctrl,
		LegacyTransport: nil,
		AESKey:          inputKey,
		AESIV:           inputIV,
	})
	if err != nil {
		return nil, err
	}
	bs.pipeline = pipeline

	peer.onInput = bs.handleInputMessage
	peer.onControl = bs.handleControlMessage
	peer.onICECandidate(func(candidateJSON string) {
		bs.sendEnvelope(signalICE, candidatePayload{Candidate: candidateJSON})
	})

	return bs, nil
}

// run starts the control session and input pipeline, then reads signaling
// messages off the browser WebSocket until it closes.
func (bs *bridgeSession) run() {
	if err := bs.ctrl.Start(); err != nil {
		log.Printf("bridge: session %s control start: %v", bs.id, err)
		bs.sendEnvelope(signalError, errorPayload{Error: err.Error()})
		_ = bs.conn.Close()
		return
	}
	if err := bs.pipeline.Start(); err != nil {
		log.Printf("bridge: session %s pipeline start: %v", bs.id, err)
	}

	defer func() {
		bs.pipeline.Stop()
		bs.ctrl.Stop()
		_ = bs.peer.close()
		_ = bs.conn.Close()
	}()

	for {
		_, data, err := bs.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		bs.handleSignal(env)
	}
}

func (bs *bridgeSession) handleSignal(env envelope) {
	switch env.Type {
	case signalOffer:
		var p sdpPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		answer, err := bs.peer.handleOffer(p.SDP)
		if err != nil {
			bs.sendEnvelope(signalError, errorPayload{Error: err.Error()})
			return
		}
		bs.sendEnvelope(signalAnswer, sdpPayload{SDP: answer})

	case signalCandidate:
		var p candidatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if err := bs.peer.addICECandidate(p.Candidate); err != nil {
			log.Printf("bridge: session %s add ICE candidate: %v", bs.id, err)
		}
	}
}

func (bs *bridgeSession) sendEnvelope(t signalType, payload interface{}) {
	bs.sendMu.Lock()
	defer bs.sendMu.Unlock()
	_ = bs.conn.WriteMessage(websocket.TextMessage, marshal(t, payload))
}

// handleControlMessage is reserved for future signaling carried over the
// WebRTC control channel instead of the WebSocket (e.g. once ICE has
// established a direct path); today all signaling rides the WebSocket and
// this only logs unexpected traffic.
func (bs *bridgeSession) handleControlMessage(data []byte) {
	log.Printf("bridge: session %s unexpected control-channel message (%d bytes)", bs.id, len(data))
}

func (bs *bridgeSession) handleInputMessage(data []byte) {
	var ev inputEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	var err error
	switch ev.Kind {
	case "mouse_move":
		err = bs.pipeline.SendMouseMove(ev.DeltaX, ev.DeltaY)
	case "mouse_pos":
		err = bs.pipeline.SendMousePosition(ev.X, ev.Y, ev.Width, ev.Height)
	case "mouse_button":
		err = bs.pipeline.SendMouseButton(ev.Action, ev.Button)
	case "keyboard":
		err = bs.pipeline.SendKeyboard(ev.KeyCode, ev.KeyAction, ev.Modifiers, ev.Flags)
	case "controller":
		err = bs.pipeline.SendController(ev.ButtonFlags, ev.LeftTrigger, ev.RightTrigger,
			ev.LeftStickX, ev.LeftStickY, ev.RightStickX, ev.RightStickY)
	case "multi_controller":
		err = bs.pipeline.SendMultiController(ev.ControllerNumber, ev.ActiveGamepadMask, ev.ButtonFlags,
			ev.LeftTrigger, ev.RightTrigger, ev.LeftStickX, ev.LeftStickY, ev.RightStickX, ev.RightStickY)
	case "scroll":
		err = bs.pipeline.SendScroll(ev.Amount)
	case "hscroll":
		err = bs.pipeline.SendHScroll(ev.Amount)
	}

	if err != nil && err != input.ErrQueueFull {
		log.Printf("bridge: session %s input %q: %v", bs.id, ev.Kind, err)
	}
}

// relayListener implements callback.Listener by forwarding every event as
// JSON over the browser's control data channel.
type relayListener struct {
	session *bridgeSession
}

func (r *relayListener) Rumble(controllerNumber, lowFreqRumble, highFreqRumble uint16) {
	data := marshal(signalRumble, rumblePayload{
		ControllerNumber: controllerNumber,
		LowFreq:          lowFreqRumble,
		HighFreq:         highFreqRumble,
	})
	if err := r.session.peer.sendControl(data); err != nil {
		log.Printf("bridge: session %s rumble relay: %v", r.session.id, err)
	}
}

func (r *relayListener) ConnectionStatusUpdate(status callback.Status) {
	data := marshal(signalStatus, statusPayload{Status: status.String()})
	if err := r.session.peer.sendControl(data); err != nil {
		log.Printf("bridge: session %s status relay: %v", r.session.id, err)
	}
}

func (r *relayListener) ConnectionTerminated(errorCode int) {
	data := marshal(signalTerminated, terminatedPayload{Code: errorCode})
	if err := r.session.peer.sendControl(data); err != nil {
		log.Printf("bridge: session %s termination relay: %v", r.session.id, err)
	}
}
