// Package quality implements the Connection Quality Monitor: it watches
// per-frame receive events reported by the video pipeline and emits
// OKAY/POOR status transitions with hysteresis, and separately forwards
// frame-invalidation tuples and on-demand IDR requests to the control
// session, whose invalidation worker consumes them.
package quality

import (
	"sync"
	"time"

	"github.com/moonparty/streamcore/internal/callback"
)

const windowDuration = 3000 * time.Millisecond

// Monitor tracks frame arrival/loss statistics and drives two independent
// outputs: connection-status transitions (via onStatus) and invalidation
// work for the control session (via onInvalidate / onIdrRequired). The
// bounded invalidation queue itself is owned by the control session, not by
// Monitor: onInvalidate reports back whether the tuple was accepted, so
// Monitor can escalate to onIdrRequired on a full queue without holding a
// second copy of that state. This keeps quality free of any dependency on
// package control.
type Monitor struct {
	mu sync.Mutex

	onStatus      func(callback.Status)
	onInvalidate  func(start, end uint32) (accepted bool)
	onIdrRequired func()

	lastSeenFrame  uint32
	lastGoodFrame  uint32
	haveSeenFrame  bool

	intervalGood  int
	intervalTotal int
	windowStart   time.Time
	nowFunc       func() time.Time

	prevLossPercent int
	havePrevWindow  bool
	lastStatus      callback.Status

	lossSinceReport uint32
}

// NewMonitor constructs a Monitor. nowFunc supplies the current time so
// tests can drive the rolling window deterministically; pass time.Now in
// production.
func NewMonitor(nowFunc func() time.Time, onStatus func(callback.Status), onInvalidate func(start, end uint32) bool, onIdrRequired func()) *Monitor {
	return &Monitor{
		onStatus:      onStatus,
		onInvalidate:  onInvalidate,
		onIdrRequired: onIdrRequired,
		nowFunc:       nowFunc,
		windowStart:   nowFunc(),
		lastStatus:    callback.StatusOkay,
	}
}

// ReceivedCompleteFrame records that frame idx decoded cleanly.
func (m *Monitor) ReceivedCompleteFrame(idx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intervalGood++
	m.lastGoodFrame = idx
}

// SawFrame records that frame idx was observed at all (good or not),
// advancing the rolling window and, every windowDuration, recomputing the
// loss percentage and applying the hysteresis rule from spec.md §4.6.
func (m *Monitor) SawFrame(idx uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.haveSeenFrame {
		m.intervalTotal += int(idx - m.lastSeenFrame)
	} else {
		m.intervalTotal++
		m.haveSeenFrame = true
	}
	m.lastSeenFrame = idx

	now := m.nowFunc()
	if now.Sub(m.windowStart) < windowDuration {
		return
	}
	m.evaluateWindow(now)
}

func (m *Monitor) evaluateWindow(now time.Time) {
	total := m.intervalTotal
	good := m.intervalGood
	m.intervalGood, m.intervalTotal = 0, 0
	m.windowStart = now

	if total == 0 {
		return
	}
	lossPercent := 100 - (good*100)/total

	var toEmit *callback.Status
	switch {
	case lossPercent >= 30, lossPercent >= 15 && m.havePrevWindow && m.prevLossPercent >= 15:
		if m.lastStatus != callback.StatusPoor {
			s := callback.StatusPoor
			toEmit = &s
		}
	case lossPercent <= 5:
		if m.lastStatus != callback.StatusOkay {
			s := callback.StatusOkay
			toEmit = &s
		}
	}

	m.prevLossPercent = lossPercent
	m.havePrevWindow = true

	if toEmit != nil {
		m.lastStatus = *toEmit
		status := *toEmit
		if m.onStatus != nil {
			m.onStatus(status)
		}
	}
}

// LostPackets records a gap in a sequenced stream: every sequence number
// strictly between last and next is presumed lost.
func (m *Monitor) LostPackets(last, next uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next > last+1 {
		m.lossSinceReport += next - last - 1
	}
}

// TakeLossCount returns the accumulated loss count and clears it. The
// control session's loss-stats reports use its own counter, not this one.
func (m *Monitor) TakeLossCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.lossSinceReport
	m.lossSinceReport = 0
	return n
}

// LastGoodFrame returns the most recent frame index reported as complete.
func (m *Monitor) LastGoodFrame() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastGoodFrame
}

// LastSeenFrame returns the most recent frame index reported seen at all.
func (m *Monitor) LastSeenFrame() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeenFrame
}

// HaveSeenAnyFrame reports whether any frame has ever been observed. The
// control session's termination-code mapping tracks the same fact itself.
func (m *Monitor) HaveSeenAnyFrame() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haveSeenFrame
}

// DetectedFrameLoss offers an invalidation tuple for the range [start, end]
// to the control session's bounded queue via onInvalidate. If the queue
// refuses it (full), DetectedFrameLoss escalates to an IDR request instead.
func (m *Monitor) DetectedFrameLoss(start, end uint32) {
	accepted := false
	if m.onInvalidate != nil {
		accepted = m.onInvalidate(start, end)
	}
	if !accepted && m.onIdrRequired != nil {
		m.onIdrRequired()
	}
}

// RequestIdrOnDemand forces the next invalidation dispatch to be a full
// IDR request regardless of queued tuples.
func (m *Monitor) RequestIdrOnDemand() {
	if m.onIdrRequired != nil {
		m.onIdrRequired()
	}
}
