// Package control implements the Control Session: the GameStream control
// channel's protocol state machine. It drives the handshake, the periodic
// telemetry worker, the invalidation-request worker, server-event dispatch
// (rumble, termination), and orderly teardown across whichever transport
// (TCP or a reliable-UDP peer) the negotiated profile calls for.
package control

import (
	"context"
	"encoding/binary"
	"log"
	"sync"
	"time"

	"github.com/moonparty/streamcore/internal/callback"
	"github.com/moonparty/streamcore/internal/codec"
	"github.com/moonparty/streamcore/internal/profile"
	"github.com/moonparty/streamcore/internal/protocol"
	"github.com/moonparty/streamcore/internal/transport"
)

const (
	connectTimeout = 10 * time.Second

	receiveIdleSleep    = 10 * time.Millisecond
	disconnectDrainWait = 100 * time.Millisecond
	disconnectFinalWait = 1000 * time.Millisecond

	periodicPingInterval = 250 * time.Millisecond
	lossStatsInterval    = 50 * time.Millisecond

	// pingMessageType is the fixed periodic-ping wire type; it is not part
	// of the per-profile message table because every profile that uses
	// periodic pings uses the same code for it.
	pingMessageType uint16 = 0x0200

	invalidationQueueCap = 20
	idrBackWindow         = 32

	hresultGraceful         = 0x80030023
	hresultProtectedContent = 0x800e9302
	legacyGraceful          = 0x0100
)

// Config supplies everything the orchestrator owns about a connection that
// the control session needs but does not itself negotiate.
type Config struct {
	RemoteHost string
	AppVersion [4]int

	// AESKey is the 16-byte control-stream AES key, used only when the
	// resolved profile has an encrypted control stream.
	AESKey []byte

	Listener callback.Listener
}

type invalidateTuple struct {
	start, end uint32
}

// Session owns one control-channel connection for its entire lifetime. Per
// spec.md §3, at most one Session is ever active at a time in a process;
// enforcing that is the orchestrator's job, not this type's.
type Session struct {
	cfg      Config
	profile  profile.Profile
	listener callback.Listener

	// sendMu is the "enetMutex" of spec.md §5: it guards the transport send
	// path together with the GCM framer's sequence counter and cipher
	// context, since both must advance in the exact order frames hit the
	// wire.
	sendMu    sync.Mutex
	transport transport.Adapter
	gcm       *codec.GCMFramer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu        sync.Mutex
	stopping       bool
	anyFrameSeen   bool
	lastSeenFrame  uint32
	lastGoodFrame  uint32
	lossSinceReport uint32
	idrRequired    bool
	queue          []invalidateTuple

	invalidateEvent chan struct{}

	terminateOnce sync.Once
}

// NewSession resolves cfg.AppVersion to a profile and constructs a Session
// ready for Start. It does not open any connection.
func NewSession(cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:             cfg,
		profile:         profile.ProfileFor(cfg.AppVersion),
		listener:        cfg.Listener,
		ctx:             ctx,
		cancel:          cancel,
		invalidateEvent: make(chan struct{}, 1),
	}
}

// Profile exposes the resolved profile, mainly so the input pipeline can
// branch on InputOnControlStream/InputGCMMode without re-resolving it.
func (s *Session) Profile() profile.Profile { return s.profile }

// Start performs the startup sequence of spec.md §4.4: open the transport,
// start the receive worker, send Start A and Start B with reply-drain, then
// start the telemetry and invalidation workers. Any failure tears down
// everything started so far.
func (s *Session) Start() error {
	var err error
	if s.profile.UsesENet() {
		s.transport, err = transport.DialENetPeer(s.cfg.RemoteHost, protocol.PortControl, connectTimeout)
	} else {
		s.transport, err = transport.DialTCP(s.cfg.RemoteHost, protocol.PortControlLegacyTCP, connectTimeout)
	}
	if err != nil {
		return err
	}

	if s.profile.EncryptedControlStream() {
		s.gcm, err = codec.NewGCMFramer(s.cfg.AESKey)
		if err != nil {
			s.transport.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.receiveLoop()

	if err := s.sendStart(profile.StartA); err != nil {
		s.abort()
		return err
	}
	if err := s.sendStart(profile.StartB); err != nil {
		s.abort()
		return err
	}

	s.wg.Add(2)
	go s.telemetryLoop()
	go s.invalidationLoop()

	return nil
}

// abort cancels the context, waits for whatever workers are already
// running to exit, and closes the transport. It backs both Start's
// rollback path and Stop.
func (s *Session) abort() {
	s.cancel()
	s.wg.Wait()
	if s.transport != nil {
		s.transport.Close()
	}
}

func (s *Session) sendStart(idx profile.MessageIndex) error {
	body, _ := s.profile.Preconstructed(idx)
	return s.sendMessage(s.profile.Code(idx), body)
}

// sendMessage builds the wire frame for (msgType, payload) — GCM-wrapped if
// the profile runs an encrypted control stream, plaintext V1-framed
// otherwise — and sends it, draining a reply if the transport requires one.
// The encrypt-then-send sequence runs under sendMu so the GCM sequence
// counter advances in the exact order frames hit the wire.
func (s *Session) sendMessage(msgType uint16, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var frame []byte
	if s.gcm != nil {
		f, _, err := s.gcm.Encrypt(msgType, payload)
		if err != nil {
			return err
		}
		frame = f
	} else {
		frame = transport.FrameV1(msgType, payload)
	}

	return transport.SendAndDrain(s.transport, frame)
}

// Stop signals shutdown, joins all three workers, and releases the
// transport. It is safe to call more than once.
func (s *Session) Stop() {
	s.stateMu.Lock()
	if s.stopping {
		s.stateMu.Unlock()
		return
	}
	s.stopping = true
	s.stateMu.Unlock()

	select {
	case s.invalidateEvent <- struct{}{}:
	default:
	}

	s.cancel()
	s.wg.Wait()

	if s.transport != nil {
		s.transport.DisconnectNow()
		s.transport.Close()
	}
}

func (s *Session) isStopping() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.stopping
}

// SawFrame records the index of the most recent frame observed by the
// video pipeline, independently of the Connection Quality Monitor's own
// copy of the same fact: the control session needs it for the invalidation
// worker's range math and the termination-code "any frame seen" rule.
func (s *Session) SawFrame(idx uint32) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastSeenFrame = idx
	s.anyFrameSeen = true
}

// ReceivedCompleteFrame records the most recent cleanly decoded frame, used
// as the loss-stats report's last_good_frame field.
func (s *Session) ReceivedCompleteFrame(idx uint32) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.lastGoodFrame = idx
}

// RecordLostPackets adds the gap between last and next to the loss count
// the telemetry worker's next loss-stats report will carry.
func (s *Session) RecordLostPackets(last, next uint32) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if next > last+1 {
		s.lossSinceReport += next - last - 1
	}
}

// EnqueueInvalidate offers tuple (start, end) to the bounded invalidation
// queue. It reports false (and enqueues nothing) if the queue is already at
// capacity, matching the Connection Quality Monitor's onInvalidate
// callback contract.
func (s *Session) EnqueueInvalidate(start, end uint32) bool {
	s.stateMu.Lock()
	if len(s.queue) >= invalidationQueueCap {
		s.stateMu.Unlock()
		return false
	}
	s.queue = append(s.queue, invalidateTuple{start: start, end: end})
	s.stateMu.Unlock()

	select {
	case s.invalidateEvent <- struct{}{}:
	default:
	}
	return true
}

// SetIdrRequired forces the next invalidation dispatch to be a full IDR
// request, discarding any queued range tuples.
func (s *Session) SetIdrRequired() {
	s.stateMu.Lock()
	s.idrRequired = true
	s.stateMu.Unlock()

	select {
	case s.invalidateEvent <- struct{}{}:
	default:
	}
}

// SendInputData forwards an already-built input packet body to the server
// as an InputData control message, for profiles with
// InputOnControlStream() set. The Codec's GCM wrapping (if any) happens
// inside sendMessage exactly as it does for every other control message.
func (s *Session) SendInputData(payload []byte) error {
	return s.sendMessage(s.profile.Code(profile.InputData), payload)
}

func (s *Session) terminate(code int) {
	s.terminateOnce.Do(func() {
		if s.listener != nil {
			s.listener.ConnectionTerminated(code)
		}
	})
}

// receiveLoop implements spec.md §4.4's receive worker. It runs only under
// the reliable-UDP transport; TCP-mode sessions have no unsolicited
// server-event channel and this worker returns immediately.
//
// spec.md §4.3 describes the drain dance in terms of a raw-frame
// "disconnect intercept" that flags disconnect_pending before the ENet
// disconnect event itself is delivered. The go-enet binding's EventDisconnect
// carries no inspectable frame, so there is nothing for such an intercept to
// run against; this implementation reaches the same end state directly in
// drainOnDisconnect instead, by polling Service on an EventDisconnect until
// stragglers stop arriving and only then waiting out the final timeout.
func (s *Session) receiveLoop() {
	defer s.wg.Done()
	if !s.profile.UsesENet() {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		ev, err := s.transport.Service(0)
		if err != nil {
			s.terminate(-1)
			return
		}

		switch ev.Type {
		case transport.EventReceive:
			if s.handleReceived(ev.Data) {
				return
			}
		case transport.EventDisconnect:
			if s.drainOnDisconnect() {
				return
			}
		default:
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(receiveIdleSleep):
			}
		}
	}
}

// drainOnDisconnect polls for stragglers after a disconnect event. It keeps
// draining on disconnectDrainWait windows as long as receive events keep
// arriving; once a window goes quiet (or errors), it waits one final
// disconnectFinalWait for a retransmitted disconnect before assuming the
// server died. It returns true if the session was terminated.
func (s *Session) drainOnDisconnect() bool {
	for {
		ev, err := s.transport.Service(int(disconnectDrainWait.Milliseconds()))
		if err != nil || ev.Type != transport.EventReceive {
			break
		}
		if s.handleReceived(ev.Data) {
			return true
		}
	}

	if ev, err := s.transport.Service(int(disconnectFinalWait.Milliseconds())); err == nil && ev.Type == transport.EventReceive {
		return s.handleReceived(ev.Data)
	}
	s.terminate(-1)
	return true
}

// handleReceived decodes and dispatches one raw frame, returning true if
// dispatch terminated the session (a Termination message), in which case
// the receive worker must exit without waiting for a disconnect event.
func (s *Session) handleReceived(frame []byte) bool {
	plain, ok := s.decodeFrame(frame)
	if !ok {
		return false
	}
	if len(plain) < 2 {
		log.Printf("control: dropping runt message (%d bytes)", len(plain))
		return false
	}

	msgType := binary.LittleEndian.Uint16(plain[0:2])
	payload := plain[2:]

	switch msgType {
	case s.profile.Code(profile.RumbleData):
		s.handleRumble(payload)
		return false
	case s.profile.Code(profile.Termination):
		s.handleTermination(payload)
		return true
	default:
		return false
	}
}

// decodeFrame turns a raw transport frame into the uniform
// [type u16 LE][payload] shape, decrypting through the Codec when the
// profile runs an encrypted control stream. A non-0x0001 outer type under
// encryption is dropped and logged, per spec.md §9's resolution of that
// ambiguity.
func (s *Session) decodeFrame(frame []byte) ([]byte, bool) {
	if s.profile.EncryptedControlStream() {
		if len(frame) < 2 || binary.LittleEndian.Uint16(frame[0:2]) != 0x0001 {
			log.Printf("control: dropping frame with unexpected outer type under encryption")
			return nil, false
		}
		plain, err := s.gcm.Decrypt(frame)
		if err != nil {
			log.Printf("control: dropping undecryptable frame: %v", err)
			return nil, false
		}
		return plain, true
	}

	if len(frame) < 4 {
		log.Printf("control: dropping runt frame (%d bytes)", len(frame))
		return nil, false
	}
	msgType := binary.LittleEndian.Uint16(frame[0:2])
	payloadLen := int(binary.LittleEndian.Uint16(frame[2:4]))
	if len(frame) < 4+payloadLen {
		log.Printf("control: dropping runt frame, declared payload %d exceeds %d available", payloadLen, len(frame)-4)
		return nil, false
	}
	plain := make([]byte, 2+payloadLen)
	binary.LittleEndian.PutUint16(plain[0:2], msgType)
	copy(plain[2:], frame[4:4+payloadLen])
	return plain, true
}

func (s *Session) handleRumble(payload []byte) {
	if len(payload) < 10 {
		log.Printf("control: dropping runt rumble packet (%d bytes)", len(payload))
		return
	}
	body := payload[4:]
	controllerNumber := binary.LittleEndian.Uint16(body[0:2])
	lowFreq := binary.LittleEndian.Uint16(body[2:4])
	highFreq := binary.LittleEndian.Uint16(body[4:6])
	if s.listener != nil {
		s.listener.Rumble(controllerNumber, lowFreq, highFreq)
	}
}

func (s *Session) handleTermination(payload []byte) {
	var code int64
	switch {
	case len(payload) >= 6:
		code = int64(binary.BigEndian.Uint32(payload[0:4]))
	case len(payload) >= 2:
		code = int64(binary.LittleEndian.Uint16(payload[0:2]))
	default:
		log.Printf("control: dropping runt termination packet (%d bytes)", len(payload))
		return
	}
	s.terminate(s.mapTerminationCode(code))
}

func (s *Session) mapTerminationCode(code int64) int {
	s.stateMu.Lock()
	anyFrame := s.anyFrameSeen
	s.stateMu.Unlock()

	switch code {
	case hresultGraceful, legacyGraceful:
		if anyFrame {
			return callback.GracefulTermination
		}
		return callback.UnexpectedEarlyTermination
	case hresultProtectedContent:
		return callback.ProtectedContent
	default:
		return int(code)
	}
}

// telemetryLoop implements spec.md §4.4's telemetry worker, choosing
// between periodic ping and loss-stats modes at construction time from the
// resolved profile.
func (s *Session) telemetryLoop() {
	defer s.wg.Done()

	interval := lossStatsInterval
	if s.profile.UsePeriodicPing() {
		interval = periodicPingInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			var err error
			if s.profile.UsePeriodicPing() {
				err = s.sendPeriodicPing()
			} else {
				err = s.sendLossStats()
			}
			if err != nil {
				s.terminate(-1)
				return
			}
		}
	}
}

func (s *Session) sendPeriodicPing() error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint16(payload[0:2], 4)
	binary.LittleEndian.PutUint32(payload[2:6], 0)
	return s.sendMessage(pingMessageType, payload)
}

func (s *Session) sendLossStats() error {
	s.stateMu.Lock()
	lossCount := s.lossSinceReport
	s.lossSinceReport = 0
	lastGood := s.lastGoodFrame
	s.stateMu.Unlock()

	payload := make([]byte, 32)
	binary.LittleEndian.PutUint32(payload[0:4], lossCount)
	binary.LittleEndian.PutUint32(payload[4:8], 50)
	binary.LittleEndian.PutUint32(payload[8:12], 1000)
	binary.LittleEndian.PutUint64(payload[12:20], uint64(lastGood))
	binary.LittleEndian.PutUint32(payload[20:24], 0)
	binary.LittleEndian.PutUint32(payload[24:28], 0)
	binary.LittleEndian.PutUint32(payload[28:32], 0x14)

	return s.sendMessage(s.profile.Code(profile.LossStats), payload)
}

// invalidationLoop implements spec.md §4.4's invalidation worker: it waits
// on the invalidate event, then either sends an IDR request (if
// idr_required was set) or coalesces and sends the queued range tuples.
func (s *Session) invalidationLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.invalidateEvent:
		}

		if s.isStopping() {
			return
		}

		if err := s.dispatchInvalidation(); err != nil {
			s.terminate(-1)
			return
		}
	}
}

func (s *Session) dispatchInvalidation() error {
	s.stateMu.Lock()
	idr := s.idrRequired
	s.idrRequired = false
	tuples := s.queue
	s.queue = nil
	lastSeen := s.lastSeenFrame
	s.stateMu.Unlock()

	if idr {
		return s.sendIdrRequest(lastSeen)
	}
	if len(tuples) == 0 {
		return nil
	}

	// Pop the head and merge every subsequent tuple's end into the range;
	// the queue preserves insertion order and each tuple's end is
	// non-decreasing, so this extends [start, end] monotonically.
	start, end := tuples[0].start, tuples[0].end
	for _, t := range tuples[1:] {
		end = t.end
	}
	return s.sendInvalidateRange(start, end)
}

func (s *Session) sendIdrRequest(lastSeen uint32) error {
	if s.profile.UsesENet() {
		first := uint32(0)
		if lastSeen > idrBackWindow {
			first = lastSeen - idrBackWindow
		}
		return s.sendInvalidateRange(first, lastSeen)
	}
	body, _ := s.profile.Preconstructed(profile.InvalidateRefFrames)
	return s.sendMessage(s.profile.Code(profile.InvalidateRefFrames), body)
}

func (s *Session) sendInvalidateRange(start, end uint32) error {
	payload := make([]byte, 24)
	binary.BigEndian.PutUint64(payload[0:8], uint64(start))
	binary.BigEndian.PutUint64(payload[8:16], uint64(end))
	binary.BigEndian.PutUint64(payload[16:24], 0)
	return s.sendMessage(s.profile.Code(profile.InvalidateRefFrames), payload)
}
