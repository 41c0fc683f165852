// Package videofeed stands in for the RTP video depacketizer that a real
// GameStream client would run: the decoder pipeline that turns inbound
// video RTP packets into frame-boundary and packet-loss events. The real
// pipeline is out of scope for this module (see spec.md's Non-goals), but
// the Control Session and Connection Quality Monitor both need a frame-
// arrival source to react to, so this package gives the bridge something
// concrete to wire them to.
package videofeed

import "sync"

// FrameSink receives frame-arrival notifications. Both the Control
// Session and the Connection Quality Monitor implement it independently,
// since spec.md has the video pipeline call into each of them on its own
// (they track frame state separately, not through a shared source of
// truth).
type FrameSink interface {
	SawFrame(idx uint32)
	ReceivedCompleteFrame(idx uint32)
}

// LossSink receives packet-loss notifications. The Control Session's
// RecordLostPackets and the Connection Quality Monitor's LostPackets
// satisfy it under different method names, so callers adapt with a
// closure rather than a shared method name.
type LossSink func(last, next uint32)

// Feed fans a single stream of frame and loss events out to every
// registered sink, modeling the "the video pipeline calls into D and F
// independently" relationship from spec.md §4.4/§4.6 without owning any
// decode logic itself.
type Feed struct {
	mu         sync.RWMutex
	frameSinks []FrameSink
	lossSinks  []LossSink
}

// New returns an empty Feed; sinks are registered with AddFrameSink and
// AddLossSink before frames start arriving.
func New() *Feed {
	return &Feed{}
}

// AddFrameSink registers a consumer of SawFrame/ReceivedCompleteFrame
// events. Typical registrations are a *control.Session and a
// *quality.Monitor.
func (f *Feed) AddFrameSink(sink FrameSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameSinks = append(f.frameSinks, sink)
}

// AddLossSink registers a consumer of packet-loss ranges.
func (f *Feed) AddLossSink(sink LossSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lossSinks = append(f.lossSinks, sink)
}

// SawFrame reports that a packet belonging to frame idx has arrived,
// complete or not, and fans it out to every registered frame sink.
func (f *Feed) SawFrame(idx uint32) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.frameSinks {
		s.SawFrame(idx)
	}
}

// ReceivedCompleteFrame reports that frame idx was fully reassembled.
func (f *Feed) ReceivedCompleteFrame(idx uint32) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.frameSinks {
		s.ReceivedCompleteFrame(idx)
	}
}

// LostPackets reports a gap in the RTP sequence space between last and
// next (exclusive), fanning it out to every registered loss sink.
func (f *Feed) LostPackets(last, next uint32) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.lossSinks {
		s(last, next)
	}
}
