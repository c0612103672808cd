// Package speaker implements the Active Speaker Detector (C7): it polls
// audio-level statistics from peer media transports and tracks the
// participant with the highest measured level.
package speaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/eventbus"
	"github.com/famedly/groupcall/internal/peercall"
	"github.com/famedly/groupcall/internal/streams"
)

// StatsSource abstracts "the transport attached to a non-local
// WrappedMediaStream" for GetStats purposes, decoupling the detector from
// peercall.PeerCall's full surface.
type StatsSource interface {
	GetStats(ctx context.Context) (peercall.StatsReport, error)
}

// TrackedStream is one user-media stream offered to the detector, together
// with the transport that can answer GetStats for it.
type TrackedStream struct {
	Participant callid.Participant
	Local       bool
	Transport   StatsSource // nil for streams with no attached peer connection
}

// StreamSource supplies the detector with the current set of user-media
// streams to poll; internal/groupcall adapts a streams.Registry plus a
// peercall.Table to this shape.
type StreamSource interface {
	TrackedStreams() []TrackedStream
}

// Detector is the Active Speaker Detector (C7).
type Detector struct {
	source StreamSource
	period time.Duration

	mu               sync.Mutex
	audioLevels      map[string]float64
	activeSpeaker    *callid.Participant
	cancel           context.CancelFunc
	stopped          bool

	ActiveSpeakerChanged *eventbus.Bus[callid.Participant]
}

// NewDetector constructs a Detector that polls at the given period (§4.4:
// "activeSpeakerInterval").
func NewDetector(source StreamSource, period time.Duration) *Detector {
	return &Detector{
		source:               source,
		period:               period,
		audioLevels:          make(map[string]float64),
		ActiveSpeakerChanged: eventbus.New[callid.Participant](),
	}
}

// Start begins polling in a background goroutine. Calling Start twice is a
// no-op until Stop has run.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stopped = false
	d.mu.Unlock()

	go d.run(runCtx)
}

// Stop cancels the timer; further ticks are suppressed, per §4.4's
// leave()-cancels-the-timer rule.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.stopped = true
}

func (d *Detector) run(ctx context.Context) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	for _, s := range d.source.TrackedStreams() {
		if s.Local || s.Transport == nil {
			continue
		}

		report, err := s.Transport.GetStats(ctx)
		if err != nil {
			log.Warn().Err(err).Str("component", "speaker.detector").
				Str("participant", s.Participant.ID()).Msg("getStats failed")
			continue
		}

		// §4.4: extract from the first inbound-rtp audio entry (the normal
		// case for a remote stream's receiving transport), falling back to
		// the first media-source entry some transports report instead.
		level, ok := report.AudioLevel("inbound-rtp")
		if !ok {
			level, ok = report.AudioLevel("media-source")
		}
		if !ok {
			continue
		}

		d.mu.Lock()
		d.audioLevels[s.Participant.ID()] = level
		d.mu.Unlock()
	}

	d.recomputeActiveSpeaker()
}

func (d *Detector) recomputeActiveSpeaker() {
	d.mu.Lock()

	var argmaxID string
	var argmax float64
	found := false
	for id, level := range d.audioLevels {
		if !found || level > argmax {
			argmax = level
			argmaxID = id
			found = true
		}
	}

	if !found {
		d.mu.Unlock()
		return
	}

	var newSpeaker *callid.Participant
	for _, s := range d.source.TrackedStreams() {
		if s.Participant.ID() == argmaxID {
			p := s.Participant
			newSpeaker = &p
			break
		}
	}
	if newSpeaker == nil {
		d.mu.Unlock()
		return
	}

	changed := d.activeSpeaker == nil || d.activeSpeaker.ID() != newSpeaker.ID()
	d.activeSpeaker = newSpeaker
	d.mu.Unlock()

	if changed {
		d.ActiveSpeakerChanged.Publish(*newSpeaker)
	}
}

// Current returns the current active speaker, if any has been observed.
func (d *Detector) Current() (callid.Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeSpeaker == nil {
		return callid.Participant{}, false
	}
	return *d.activeSpeaker, true
}

// Reset clears all tracked levels and the active speaker. The session calls
// it on Enter, and when the active speaker's user-media stream is removed
// and no other user-media stream remains; if one does remain, the session
// calls FallbackTo instead of Reset (§4.4).
func (d *Detector) Reset() {
	d.mu.Lock()
	d.audioLevels = make(map[string]float64)
	d.activeSpeaker = nil
	d.mu.Unlock()
}

// FallbackTo sets the active speaker directly, without going through the
// audio-level argmax, and publishes ActiveSpeakerChanged if it differs from
// the current value. Used when the former active speaker leaves and the
// detector falls back to the first remaining user-media stream's
// participant (§4.4).
func (d *Detector) FallbackTo(p callid.Participant) {
	d.mu.Lock()
	changed := d.activeSpeaker == nil || d.activeSpeaker.ID() != p.ID()
	d.activeSpeaker = &p
	d.mu.Unlock()

	if changed {
		d.ActiveSpeakerChanged.Publish(p)
	}
}

// RegistryAdapter glues a streams.Registry + a lookup of peercall transports into a
// StreamSource; kept here rather than in internal/groupcall to avoid a
// dependency cycle (groupcall already imports speaker).
type RegistryAdapter struct {
	Registry  *streams.Registry
	Transport func(callid.Participant) StatsSource
}

func (a RegistryAdapter) TrackedStreams() []TrackedStream {
	streamsList := a.Registry.UserMediaStreams()
	out := make([]TrackedStream, 0, len(streamsList))
	for _, s := range streamsList {
		var transport StatsSource
		if !s.Local && a.Transport != nil {
			transport = a.Transport(s.Participant)
		}
		out = append(out, TrackedStream{Participant: s.Participant, Local: s.Local, Transport: transport})
	}
	return out
}
