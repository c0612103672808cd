package peercall

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/eventbus"
	"github.com/famedly/groupcall/internal/streams"
	"github.com/famedly/groupcall/internal/telemetry"
)

// ErrNotFound is returned by Replace/Remove when the given call is not
// tracked by the table (the PeerCallMissing error kind of §7).
var ErrNotFound = errors.New("peercall: call not found in table")

// ErrDuplicateParticipant guards I1: at most one PeerCall per remote
// participant per group call.
var ErrDuplicateParticipant = errors.New("peercall: participant already has a call in the table")

type entry struct {
	call         PeerCall
	stateSub     *eventbus.Subscription[State]
	replaceSub   *eventbus.Subscription[PeerCall]
	streamsSub   *eventbus.Subscription[StreamChange]
	hangupSub    *eventbus.Subscription[HangupReason]
	suppressNext bool // set while a Replaced-hangup issued by Replace is in flight
}

// Table is the Peer Call Table (C4): it owns per-remote-participant peer
// call sessions, wires each peer's event streams back into the group's
// Stream Registry, and enforces I1.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*entry // keyed by callid.Participant.ID()
	registry *streams.Registry

	CallsChanged *eventbus.Bus[struct{}]
}

// NewTable constructs an empty Peer Call Table that forwards remote stream
// changes into the given Stream Registry.
func NewTable(registry *streams.Registry) *Table {
	return &Table{
		entries:      make(map[string]*entry),
		registry:     registry,
		CallsChanged: eventbus.New[struct{}](),
	}
}

// GetForParticipant returns the single PeerCall for p, if any. More than
// one match would violate I1; this cannot happen through Add/Replace, which
// both enforce uniqueness.
func (t *Table) GetForParticipant(p callid.Participant) (PeerCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[p.ID()]
	if !ok {
		return nil, false
	}
	return e.call, true
}

// All returns every PeerCall currently in the table.
func (t *Table) All() []PeerCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerCall, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.call)
	}
	return out
}

// Add subscribes to the call's state, replace, streams-changed and hangup
// signals (stream additions and removals both arrive on streams-changed),
// forwards its non-local stream
// changes into the Stream Registry, and fires CallsChanged. Returns
// ErrDuplicateParticipant if the participant already has a call (I1).
func (t *Table) Add(call PeerCall) error {
	p := Participant(call)

	t.mu.Lock()
	if _, exists := t.entries[p.ID()]; exists {
		t.mu.Unlock()
		return ErrDuplicateParticipant
	}
	e := &entry{call: call}
	t.entries[p.ID()] = e
	t.mu.Unlock()

	t.wire(p, e)
	t.CallsChanged.Publish(struct{}{})
	return nil
}

func (t *Table) wire(p callid.Participant, e *entry) {
	e.streamsSub = e.call.OnStreamsChanged().Subscribe()
	go func() {
		for change := range e.streamsSub.C() {
			purpose := streams.Purpose(change.Purpose)
			if change.Added {
				t.registry.Add(streams.WrappedStream{
					Participant: p,
					Purpose:     purpose,
					Local:       false,
					Handle:      change.Handle,
				})
			} else {
				t.registry.Remove(p, purpose)
			}
		}
	}()

	e.hangupSub = e.call.OnHangup().Subscribe()
	go func() {
		for reason := range e.hangupSub.C() {
			t.mu.Lock()
			suppress := e.suppressNext
			e.suppressNext = false
			stillCurrent := t.entries[p.ID()] == e
			t.mu.Unlock()

			if suppress || !stillCurrent {
				continue
			}
			if err := t.Remove(e.call, reason); err != nil {
				log.Error().Err(err).Str("component", "peercall.table").
					Str("participant", p.ID()).Msg("remove after hangup failed")
			}
			telemetry.PeerCallOutcome(reason.String())
		}
	}()

	// A PeerCall publishes on OnReplace when it has, on its own, decided it
	// must swap itself for a freshly negotiated replacement (glare: a second
	// offer lands on an already-negotiated call, §4.3). The table honors
	// that by running the same Replace path reconcile.go's OnIncomingCall
	// uses when a new incoming call supersedes an existing one.
	e.replaceSub = e.call.OnReplace().Subscribe()
	go func() {
		for replacement := range e.replaceSub.C() {
			t.mu.Lock()
			stillCurrent := t.entries[p.ID()] == e
			t.mu.Unlock()

			if !stillCurrent {
				continue
			}
			if err := t.Replace(e.call, replacement); err != nil {
				log.Error().Err(err).Str("component", "peercall.table").
					Str("participant", p.ID()).Msg("replace after call-replace signal failed")
			}
		}
	}()

	// OnState is used only for the outcome counter; the table's own
	// lifecycle bookkeeping runs off hangup and replace, not state.
	e.stateSub = e.call.OnState().Subscribe()
	go func() {
		for state := range e.stateSub.C() {
			if state == StateConnected {
				telemetry.PeerCallOutcome("connected")
			}
		}
	}()
}

func (t *Table) unwire(e *entry) {
	if e.streamsSub != nil {
		e.streamsSub.Unsubscribe()
	}
	if e.hangupSub != nil {
		e.hangupSub.Unsubscribe()
	}
	if e.stateSub != nil {
		e.stateSub.Unsubscribe()
	}
	if e.replaceSub != nil {
		e.replaceSub.Unsubscribe()
	}
}

// Replace swaps replacement in for existing in place. existing is hung up
// with reason Replaced, which suppresses the normal hangup-driven remove
// path (via the entry's suppressNext flag) to avoid a feedback loop.
// Replace is atomic from the bus's perspective: exactly one CallsChanged
// event is published. Returns ErrNotFound if existing is not present.
func (t *Table) Replace(existing PeerCall, replacement PeerCall) error {
	p := Participant(existing)

	t.mu.Lock()
	e, ok := t.entries[p.ID()]
	if !ok || e.call != existing {
		t.mu.Unlock()
		return ErrNotFound
	}
	e.suppressNext = true
	t.unwire(e)

	newEntry := &entry{call: replacement}
	t.entries[Participant(replacement).ID()] = newEntry
	if Participant(replacement).ID() != p.ID() {
		delete(t.entries, p.ID())
	}
	t.mu.Unlock()

	t.wire(Participant(replacement), newEntry)

	if err := existing.Hangup(HangupReplaced, true); err != nil {
		log.Error().Err(err).Str("component", "peercall.table").
			Msg("hangup of replaced call failed")
	}

	t.CallsChanged.Publish(struct{}{})
	return nil
}

// Remove takes call out of the table. If reason is not Replaced, the call
// is hung up with shouldEmit=false to avoid recursion back into this
// removal, and the participant's streams are dropped from the Stream
// Registry. Remove is idempotent.
func (t *Table) Remove(call PeerCall, reason HangupReason) error {
	p := Participant(call)

	t.mu.Lock()
	e, ok := t.entries[p.ID()]
	if !ok {
		t.mu.Unlock()
		return nil // idempotent: already removed
	}
	if e.call != call {
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, p.ID())
	t.unwire(e)
	t.mu.Unlock()

	if reason != HangupReplaced {
		if err := call.Hangup(reason, false); err != nil {
			log.Error().Err(err).Str("component", "peercall.table").
				Str("participant", p.ID()).Msg("hangup during remove failed")
		}
		t.registry.Remove(p, streams.PurposeUserMedia)
		t.registry.Remove(p, streams.PurposeScreenshare)
	}

	t.CallsChanged.Publish(struct{}{})
	return nil
}

// Len reports how many peer calls are currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
