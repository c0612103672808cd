package groupcall

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/membership"
)

// fociTypeFor renders the backend's descriptor as it belongs in a
// membership's foci_active array (§6).
func fociTypeFor(backend membership.Backend) string {
	if backend.IsLivekit() {
		return "livekit"
	}
	return "mesh"
}

// ownEntriesLocked extracts the local user's current memberships array from
// a freshly fetched room snapshot.
func ownEntriesLocked(events []membership.WireEvent, userID string) []membership.MembershipEntry {
	for _, we := range events {
		if we.UserID == userID {
			return we.Memberships
		}
	}
	return nil
}

// sendMemberStateEventLocked implements the Membership Heartbeat's (C6)
// sendMemberStateEvent: load, strip this device's stale entry, append a
// fresh one, write back, and (re)arm the refresh timer.
func (s *GroupCallSession) sendMemberStateEventLocked(ctx context.Context) error {
	events, err := s.roomService.FetchMemberships(ctx, s.id.RoomID)
	if err != nil {
		return err
	}

	current := ownEntriesLocked(events, s.local.UserID)
	stripped := membership.RemoveDeviceEntry(current, s.id.CallID, s.local.DeviceID, s.application, s.scope)

	fresh := membership.NewEntry(
		s.id.CallID, s.local.DeviceID,
		membership.ExpiresTsMsFromNow(s.tun.ExpireTsBumpDuration, time.Now()),
		s.backend, s.application, s.scope, s.membershipID, fociTypeFor(s.backend),
	)
	updated := append(stripped, fresh)

	if err := s.roomService.WriteMemberships(ctx, s.id.RoomID, s.local.UserID, updated); err != nil {
		return err
	}

	s.armHeartbeatLocked()
	return nil
}

// armHeartbeatLocked (re)starts the heartbeat's one-shot timer. The
// callback re-invokes sendMemberStateEvent while the session is still
// live — a conjunction on "not yet Ended" (Open Question a: the guard is
// "while still live", not the disjunction that always evaluates true).
func (s *GroupCallSession) armHeartbeatLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	s.heartbeatTimer = time.AfterFunc(s.tun.UpdateExpireTsTimerDuration, func() {
		s.exec(func() {
			if s.state == StateEnded {
				return
			}
			if err := s.sendMemberStateEventLocked(s.ctx); err != nil {
				log.Error().Err(err).Str("component", "groupcall.heartbeat").Msg("heartbeat refresh failed")
			}
		})
	})
}

// removeMemberStateEventLocked implements removeMemberStateEvent: cancel
// the timer (done by the caller) and write back the memberships array with
// this device's entry stripped.
func (s *GroupCallSession) removeMemberStateEventLocked(ctx context.Context) error {
	events, err := s.roomService.FetchMemberships(ctx, s.id.RoomID)
	if err != nil {
		return err
	}

	current := ownEntriesLocked(events, s.local.UserID)
	stripped := membership.RemoveDeviceEntry(current, s.id.CallID, s.local.DeviceID, s.application, s.scope)

	return s.roomService.WriteMemberships(ctx, s.id.RoomID, s.local.UserID, stripped)
}
