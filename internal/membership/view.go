package membership

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/callid"
)

// Clock is injected so tests can control "now" deterministically; it
// defaults to time.Now.
type Clock func() time.Time

// View is the Membership View (C2): it parses, filters and refreshes
// call-membership state events from the room and exposes the set of
// non-expired members of one group call.
//
// A View is fed whole room snapshots via Update; a later snapshot supersedes
// an earlier one wholesale, matching the ordering guarantee of SPEC_FULL.md
// §5 ("the view is a snapshot").
type View struct {
	roomID      string
	callID      string
	application string
	scope       string
	now         Clock

	mu     sync.RWMutex
	latest []Membership // sorted by OriginServerTS ascending, already filtered to this call
	raw    map[string][]Membership // per-user filtered memberships across all callIds, for activeGroupCallIds/participantCount
}

// NewView constructs a Membership View scoped to one (roomId, callId,
// application, scope) tuple.
func NewView(roomID, callID, application, scope string, now Clock) *View {
	if now == nil {
		now = time.Now
	}
	return &View{
		roomID:      roomID,
		callID:      callID,
		application: application,
		scope:       scope,
		now:         now,
		raw:         make(map[string][]Membership),
	}
}

// Update replaces the view's internal state from a fresh batch of room state
// events. Events are sorted by OriginServerTS (oldest first) before
// flattening, per §4.1.
func (v *View) Update(events []WireEvent) {
	sorted := make([]WireEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OriginServerTS < sorted[j].OriginServerTS
	})

	allByUser := make(map[string][]Membership)
	var matching []Membership

	for _, ev := range sorted {
		for _, wm := range ev.Memberships {
			if err := wm.validate(); err != nil {
				log.Warn().Err(err).Str("component", "membership.view").
					Str("userID", ev.UserID).Msg("dropping malformed membership")
				continue
			}

			m := wm.toMembership(ev.UserID, v.roomID)
			allByUser[ev.UserID] = append(allByUser[ev.UserID], m)

			if m.IsExpired(v.now()) {
				continue
			}
			if m.Matches(v.roomID, v.callID, v.application, v.scope) {
				matching = append(matching, m)
			}
		}
	}

	v.mu.Lock()
	v.latest = matching
	v.raw = allByUser
	v.mu.Unlock()
}

// Current returns the current non-expired memberships of this group call.
func (v *View) Current() []Membership {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Membership, len(v.latest))
	copy(out, v.latest)
	return out
}

// Participants is Current() projected down to the unique Participants, per
// §4.5 step 2.
func (v *View) Participants() []callid.Participant {
	current := v.Current()
	seen := make(map[string]struct{}, len(current))
	out := make([]callid.Participant, 0, len(current))
	for _, m := range current {
		p := callid.Participant{UserID: m.UserID, DeviceID: m.DeviceID}
		if _, ok := seen[p.ID()]; ok {
			continue
		}
		seen[p.ID()] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ActiveGroupCallIDs returns the distinct, non-expired callIds seen across
// the whole room, regardless of which call this View is scoped to.
func (v *View) ActiveGroupCallIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	now := v.now()
	for _, memberships := range v.raw {
		for _, m := range memberships {
			if m.IsExpired(now) {
				continue
			}
			if _, ok := seen[m.CallID]; ok {
				continue
			}
			seen[m.CallID] = struct{}{}
			out = append(out, m.CallID)
		}
	}
	return out
}

// ParticipantCount returns the number of non-expired memberships for the
// given callId across the room.
func (v *View) ParticipantCount(callID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	now := v.now()
	count := 0
	for _, memberships := range v.raw {
		for _, m := range memberships {
			if m.CallID == callID && !m.IsExpired(now) {
				count++
			}
		}
	}
	return count
}

// FindForParticipant returns the membership (if any) of a single
// participant within this call.
func (v *View) FindForParticipant(p callid.Participant) (Membership, bool) {
	for _, m := range v.Current() {
		if m.UserID == p.UserID && m.DeviceID == p.DeviceID {
			return m, true
		}
	}
	return Membership{}, false
}

// FindLiveForDevice returns the non-expired membership for this call held
// by the given (userId, deviceId), if any; it matches on user and device
// only and leaves checking the backend properties to the caller — used by
// the E2EE key-request handler (§4.7) to scope honoring
// a key request to live members only (Open Question (c)).
func (v *View) FindLiveForDevice(userID, deviceID string) (Membership, bool) {
	for _, m := range v.Current() {
		if m.UserID == userID && m.DeviceID == deviceID {
			return m, true
		}
	}
	return Membership{}, false
}
