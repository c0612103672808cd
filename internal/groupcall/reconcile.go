package groupcall

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/membership"
	"github.com/famedly/groupcall/internal/peercall"
	"github.com/famedly/groupcall/internal/telemetry"
)

// onMemberStateChangedLocked is the §4.5 reconciliation algorithm. It only
// runs while Entered. Membership updates are subscribed to only from Enter
// to Leave: Enter fetches a fresh snapshot and reconciles it, and a snapshot
// that reaches the View after Leave is absorbed without being reconciled.
func (s *GroupCallSession) onMemberStateChangedLocked(ctx context.Context) {
	if s.state != StateEntered {
		return
	}

	matching := s.view.Current()
	newParticipants := s.view.Participants()

	if !s.backend.IsLivekit() {
		s.reconcileMeshCallsLocked(ctx, matching)
	}

	joined, left := diffParticipants(s.participants, newParticipants)
	s.participants = newParticipants

	if s.backend.IsLivekit() && s.e2eeEnabled && s.ladder != nil {
		s.applyKeyRotationLocked(ctx, joined, left)
	}

	telemetry.ParticipantsChanged(len(newParticipants))

	if len(joined) > 0 || len(left) > 0 {
		s.OnGroupCallEvent.Publish(EventParticipantsChanged)
		s.OnParticipantsChanged.Publish(ParticipantsChangedEvent{
			Joined:  joined,
			Left:    left,
			Current: newParticipants,
		})
	}
}

// reconcileMeshCallsLocked implements §4.5 step 3: for every matching
// membership on a mesh backend, apply the tie-break rule and place/replace
// outgoing calls as needed.
func (s *GroupCallSession) reconcileMeshCallsLocked(ctx context.Context, matching []membership.Membership) {
	for _, m := range matching {
		p := callid.Participant{UserID: m.UserID, DeviceID: m.DeviceID}
		if p.ID() == s.local.ID() {
			continue
		}
		if !s.local.Less(p) {
			// I5: never initiate against a peer whose canonical id is <=
			// ours; the remote will call us.
			continue
		}

		if existing, ok := s.table.GetForParticipant(p); ok {
			if existing.RemoteSessionID() == m.MembershipID {
				continue
			}
			if err := s.table.Remove(existing, peercall.HangupUnknownError); err != nil {
				log.Error().Err(err).Str("component", "groupcall.reconcile").
					Str("participant", p.ID()).Msg("remove stale peer call failed")
			}
		}

		call, err := s.transport.CreateOutgoingCall(peercall.NewCallOptions{
			CallID:         uuid.NewString(),
			RoomID:         s.id.RoomID,
			Direction:      peercall.DirectionOutgoing,
			LocalPartyID:   s.local.DeviceID,
			GroupCallID:    s.id.CallID,
			ICEServers:     s.iceServers,
			RemoteUserID:   m.UserID,
			RemoteDeviceID: m.DeviceID,
			RemoteSession:  m.MembershipID,
		})
		if err != nil {
			log.Error().Err(err).Str("component", "groupcall.reconcile").
				Str("participant", p.ID()).Msg("create outgoing call failed")
			continue
		}

		if err := s.table.Add(call); err != nil {
			log.Error().Err(err).Str("component", "groupcall.reconcile").
				Str("participant", p.ID()).Msg("add outgoing call to table failed")
			continue
		}

		for _, handle := range s.localStreamHandles() {
			if err := call.AddLocalStream(handle); err != nil {
				log.Error().Err(err).Str("component", "groupcall.reconcile").Msg("attach local stream failed")
			}
		}
		if err := call.PlaceCallWithStreams(ctx); err != nil {
			log.Error().Err(err).Str("component", "groupcall.reconcile").
				Str("participant", p.ID()).Msg("place call failed")
		}
	}
}

// applyKeyRotationLocked implements §4.5 step 6 / §4.7's rotation policy
// for the SFU+E2EE backend.
func (s *GroupCallSession) applyKeyRotationLocked(ctx context.Context, joined, left []callid.Participant) {
	if len(joined) > 0 {
		if s.tun.EnableSFUE2EEKeyRatcheting {
			if err := s.ladder.RatchetLocalParticipantKey(ctx, joined); err != nil {
				log.Error().Err(err).Str("component", "groupcall.reconcile").Msg("ratchet on join failed")
			} else {
				telemetry.KeyRotated("ratchet")
			}
		} else {
			if err := s.ladder.MakeNewSenderKey(ctx, true, joined); err != nil {
				log.Error().Err(err).Str("component", "groupcall.reconcile").Msg("new key on join failed")
			} else {
				telemetry.KeyRotated("join")
			}
		}
	}

	if len(left) > 0 {
		for _, p := range left {
			s.ladder.DropParticipant(p)
			s.pendingLeavers[p.ID()] = p
		}
		s.scheduleKeyRotationLocked()
	}
}

// scheduleKeyRotationLocked debounces simultaneous leavers (S4): each call
// resets the makeKeyDelay timer, so only the last-scheduled firing actually
// generates a new sender key.
func (s *GroupCallSession) scheduleKeyRotationLocked() {
	if s.keyRotationTimer != nil {
		s.keyRotationTimer.Stop()
	}
	s.keyRotationTimer = time.AfterFunc(s.tun.MakeKeyDelay, func() {
		s.exec(func() {
			if s.state != StateEntered {
				return
			}
			s.pendingLeavers = make(map[string]callid.Participant)
			recipients := s.remoteParticipantsLocked()
			if err := s.ladder.MakeNewSenderKey(s.ctx, true, recipients); err != nil {
				log.Error().Err(err).Str("component", "groupcall.reconcile").Msg("debounced new key on leave failed")
			} else {
				telemetry.KeyRotated("leave-debounced")
			}
		})
	})
}

// OnIncomingCall implements onIncomingCall (§4.5): rejects calls targeting
// another room or with a mismatched/missing groupCallId, ignores incoming
// calls entirely on LiveKit (signaling-only), and otherwise adds, no-ops or
// replaces against the existing peer call before answering with the
// current local streams.
func (s *GroupCallSession) OnIncomingCall(ctx context.Context, call peercall.PeerCall, groupCallID, roomID string) error {
	if s.ended.Load() {
		return ErrPreconditionViolation
	}
	var err error
	s.exec(func() { err = s.onIncomingCallLocked(ctx, call, groupCallID, roomID) })
	return err
}

func (s *GroupCallSession) onIncomingCallLocked(ctx context.Context, call peercall.PeerCall, groupCallID, roomID string) error {
	if roomID != s.id.RoomID || groupCallID == "" || groupCallID != s.id.CallID {
		_ = call.Hangup(peercall.HangupInviteTimeout, true)
		return ErrStaleSession
	}
	if call.State() != peercall.StateRinging {
		return ErrStaleSession
	}
	if s.backend.IsLivekit() {
		// Signaling-only: incoming P2P calls never arrive on LiveKit.
		return nil
	}

	p := peercall.Participant(call)
	if existing, ok := s.table.GetForParticipant(p); ok {
		if existing.CallID() == call.CallID() {
			return nil
		}
		if err := s.table.Replace(existing, call); err != nil {
			return err
		}
	} else {
		if err := s.table.Add(call); err != nil {
			return err
		}
	}

	for _, handle := range s.localStreamHandles() {
		if err := call.AddLocalStream(handle); err != nil {
			log.Error().Err(err).Str("component", "groupcall.reconcile").Msg("attach local stream to incoming call failed")
		}
	}
	return call.AnswerWithStreams(ctx)
}

// diffParticipants computes joined = newSet \ oldSet and left = oldSet \
// newSet, by canonical id (§4.5 step 4).
func diffParticipants(old, newSet []callid.Participant) (joined, left []callid.Participant) {
	oldByID := make(map[string]callid.Participant, len(old))
	for _, p := range old {
		oldByID[p.ID()] = p
	}
	newByID := make(map[string]callid.Participant, len(newSet))
	for _, p := range newSet {
		newByID[p.ID()] = p
	}

	for id, p := range newByID {
		if _, ok := oldByID[id]; !ok {
			joined = append(joined, p)
		}
	}
	for id, p := range oldByID {
		if _, ok := newByID[id]; !ok {
			left = append(left, p)
		}
	}
	return joined, left
}
