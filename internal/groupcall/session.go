package groupcall

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/config"
	"github.com/famedly/groupcall/internal/e2ee"
	"github.com/famedly/groupcall/internal/eventbus"
	"github.com/famedly/groupcall/internal/membership"
	"github.com/famedly/groupcall/internal/peercall"
	"github.com/famedly/groupcall/internal/registry"
	"github.com/famedly/groupcall/internal/speaker"
	"github.com/famedly/groupcall/internal/streams"
	"github.com/famedly/groupcall/internal/telemetry"
)

// SessionOptions aggregates everything GroupCallSession needs to construct
// itself: identity, backend selection and every external collaborator of
// §6.
type SessionOptions struct {
	RoomID      string
	CallID      string
	Local       callid.Participant
	Application string
	Scope       string
	Backend     membership.Backend
	EnableE2EE  bool

	Tunables config.Tunables

	RoomService   RoomService
	Messenger     DeviceMessenger
	Transport     peercall.MediaTransport
	MediaProvider LocalMediaProvider
	KeyProvider   e2ee.Provider
	ICEServers    []string

	Registry *registry.Registry[*GroupCallSession]
}

// GroupCallSession is the Mesh Signaling State Machine (C5) plus the
// Membership Heartbeat (C6): the fan-in orchestrator for one group call.
// The session's own fields (lifecycle state, participant list, local
// streams, timers — §5's "shared-resource policy") are touched only from
// the single goroutine started by run(), which drains cmds exactly like the
// teacher's eventbus.Router.Start() drains its frame channel. The peer call
// table, the stream registry and the key ladder are not confined to that
// goroutine: per-call subscription goroutines and delayed key installs
// update them directly, each under its own mutex.
type GroupCallSession struct {
	id          callid.VoipID
	local       callid.Participant
	application string
	scope       string
	backend     membership.Backend
	e2eeEnabled bool
	membershipID string

	tun config.Tunables

	roomService   RoomService
	messenger     DeviceMessenger
	transport     peercall.MediaTransport
	mediaProvider LocalMediaProvider
	iceServers    []string

	registry *registry.Registry[*GroupCallSession]

	view     *membership.View
	table    *peercall.Table
	streams  *streams.Registry
	detector *speaker.Detector
	ladder   *e2ee.Ladder

	cmds    chan func()
	ended   atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	state                State
	participants          []callid.Participant
	localUserMedia         *streams.WrappedStream
	localUserMediaHandle   MediaHandle
	localScreenshare       *streams.WrappedStream
	localScreenshareHandle MediaHandle

	heartbeatTimer   *time.Timer
	keyRotationTimer *time.Timer
	pendingLeavers   map[string]callid.Participant
	membershipCancel func()
	messengerCancel  func()

	OnState               *eventbus.Bus[State]
	OnGroupCallEvent      *eventbus.Bus[GroupCallEvent]
	OnParticipantsChanged *eventbus.Bus[ParticipantsChangedEvent]
}

// New constructs a GroupCallSession in StateLocalFeedUninitialized and
// starts its command loop. The session does not touch the room service or
// registry until Enter is called.
func New(opts SessionOptions) *GroupCallSession {
	streamsRegistry := streams.NewRegistry()
	table := peercall.NewTable(streamsRegistry)

	s := &GroupCallSession{
		id:            callid.VoipID{RoomID: opts.RoomID, CallID: opts.CallID},
		local:         opts.Local,
		application:   opts.Application,
		scope:         opts.Scope,
		backend:       opts.Backend,
		e2eeEnabled:   opts.EnableE2EE,
		membershipID:  uuid.NewString(),
		tun:           opts.Tunables,
		roomService:   opts.RoomService,
		messenger:     opts.Messenger,
		transport:     opts.Transport,
		mediaProvider: opts.MediaProvider,
		iceServers:    opts.ICEServers,
		registry:      opts.Registry,

		view:    membership.NewView(opts.RoomID, opts.CallID, opts.Application, opts.Scope, time.Now),
		table:   table,
		streams: streamsRegistry,

		cmds:           make(chan func()),
		state:          StateLocalFeedUninitialized,
		pendingLeavers: make(map[string]callid.Participant),

		OnState:               eventbus.New[State](),
		OnGroupCallEvent:      eventbus.New[GroupCallEvent](),
		OnParticipantsChanged: eventbus.New[ParticipantsChangedEvent](),
	}

	s.detector = speaker.NewDetector(speaker.RegistryAdapter{
		Registry:  streamsRegistry,
		Transport: s.statsSourceFor,
	}, opts.Tunables.ActiveSpeakerInterval)

	if opts.EnableE2EE && opts.Backend.IsLivekit() {
		s.ladder = e2ee.NewLadder(opts.Local, opts.CallID, opts.RoomID, opts.Application, opts.Scope,
			opts.Backend.Kind, opts.KeyProvider, opts.Messenger, s.view, opts.Tunables.UseKeyDelay)
	}

	go s.run()
	return s
}

// statsSourceFor looks up the peer call transport backing p's remote
// stream, to satisfy speaker.StatsSource polling.
func (s *GroupCallSession) statsSourceFor(p callid.Participant) speaker.StatsSource {
	call, ok := s.table.GetForParticipant(p)
	if !ok {
		return nil
	}
	return statsSourceFunc(call.GetStats)
}

type statsSourceFunc func(ctx context.Context) (peercall.StatsReport, error)

func (f statsSourceFunc) GetStats(ctx context.Context) (peercall.StatsReport, error) {
	return f(ctx)
}

func (s *GroupCallSession) run() {
	for cmd := range s.cmds {
		cmd()
	}
}

// exec marshals fn onto the session's single goroutine and blocks until it
// has run, realizing the "single logical task runner" model of §5.
func (s *GroupCallSession) exec(fn func()) {
	done := make(chan struct{})
	s.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// State returns the session's current lifecycle state.
func (s *GroupCallSession) State() State {
	if s.ended.Load() {
		return StateEnded
	}
	var st State
	s.exec(func() { st = s.state })
	return st
}

// Participants returns a snapshot of the current live participant set.
func (s *GroupCallSession) Participants() []callid.Participant {
	var ps []callid.Participant
	s.exec(func() { ps = append([]callid.Participant(nil), s.participants...) })
	return ps
}

// ID returns the VoipId this session is registered under.
func (s *GroupCallSession) ID() callid.VoipID {
	return s.id
}

// InitLocalStream acquires the local user-media stream (mesh backends; §4.5
// LocalFeedUninitialized -> InitializingLocalFeed -> LocalFeedInitialized).
func (s *GroupCallSession) InitLocalStream(ctx context.Context) error {
	if s.ended.Load() {
		return ErrPreconditionViolation
	}
	var err error
	s.exec(func() { err = s.initLocalStreamLocked(ctx) })
	return err
}

func (s *GroupCallSession) initLocalStreamLocked(ctx context.Context) error {
	if s.state != StateLocalFeedUninitialized {
		return ErrPreconditionViolation
	}

	s.state = StateInitializingLocalFeed
	s.OnState.Publish(s.state)

	handle, err := s.mediaProvider.AcquireUserMedia(ctx)
	if err != nil {
		s.state = StateLocalFeedUninitialized
		s.OnState.Publish(s.state)
		return fmt.Errorf("%w: %v", ErrMediaAcquisitionFailed, err)
	}

	ws := streams.WrappedStream{Participant: s.local, Purpose: streams.PurposeUserMedia, Local: true, Handle: handle}
	s.streams.Add(ws)
	s.localUserMedia = &ws
	s.localUserMediaHandle = handle

	s.state = StateLocalFeedInitialized
	s.OnState.Publish(s.state)
	return nil
}

// localStreamHandles returns every local stream's handle, for attaching to
// a newly placed or answered peer call.
func (s *GroupCallSession) localStreamHandles() []interface{ Stop() } {
	var out []interface{ Stop() }
	if s.localUserMedia != nil {
		out = append(out, s.localUserMedia.Handle)
	}
	if s.localScreenshare != nil {
		out = append(out, s.localScreenshare.Handle)
	}
	return out
}

// Enter implements enter() (§4.5): runs initLocalStream on mesh backends if
// not already done, publishes the local membership, clears the active
// speaker, transitions to Entered, reconciles participants, and registers
// the session in the owning registry.
func (s *GroupCallSession) Enter(ctx context.Context) error {
	if s.ended.Load() {
		return ErrPreconditionViolation
	}
	var err error
	s.exec(func() { err = s.enterLocked(ctx) })
	return err
}

func (s *GroupCallSession) enterLocked(ctx context.Context) error {
	if s.state != StateLocalFeedUninitialized && s.state != StateLocalFeedInitialized {
		return ErrPreconditionViolation
	}

	if s.state == StateLocalFeedUninitialized && !s.backend.IsLivekit() {
		if err := s.initLocalStreamLocked(ctx); err != nil {
			return err
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.sendMemberStateEventLocked(ctx); err != nil {
		return err
	}

	s.detector.Reset()
	s.state = StateEntered
	s.OnState.Publish(s.state)
	s.OnGroupCallEvent.Publish(EventEntered)

	if events, err := s.roomService.FetchMemberships(ctx, s.id.RoomID); err != nil {
		log.Error().Err(err).Str("component", "groupcall.session").Msg("initial membership fetch failed")
	} else {
		s.view.Update(events)
	}
	s.onMemberStateChangedLocked(ctx)

	membershipCh, membershipCancel := s.roomService.Subscribe(s.ctx, s.id.RoomID)
	s.membershipCancel = membershipCancel
	go s.pumpMembershipUpdates(membershipCh)

	if s.backend.IsLivekit() && s.e2eeEnabled && s.ladder != nil {
		inbox, messengerCancel := s.messenger.Subscribe(s.ctx, s.local.UserID, s.local.DeviceID)
		s.messengerCancel = messengerCancel
		go s.pumpDeviceMessages(inbox)

		recipients := s.remoteParticipantsLocked()
		if err := s.ladder.MakeNewSenderKey(ctx, true, recipients); err != nil {
			log.Error().Err(err).Str("component", "groupcall.session").Msg("initial sender key generation failed")
		}
		if len(recipients) > 0 {
			req := e2ee.RequestEncryptionKeysEvent{ConfID: s.id.CallID, DeviceID: s.local.DeviceID, RoomID: s.id.RoomID}
			if err := s.messenger.RequestEncryptionKeys(ctx, req, recipients); err != nil {
				log.Error().Err(err).Str("component", "groupcall.session").Msg("request existing keys from peers failed")
			}
		}
	}

	s.detector.Start(s.ctx)
	go s.pumpTelemetry(s.ctx)

	if s.registry != nil {
		s.registry.Register(s.id, s)
	}

	telemetry.SessionEntered()
	return nil
}

// pumpTelemetry forwards active-speaker changes and peer-call-table churn
// into the process-wide Prometheus counters, and runs the active-speaker
// fallback on remote stream removal, for the lifetime of the session's
// context.
func (s *GroupCallSession) pumpTelemetry(ctx context.Context) {
	speakerSub := s.detector.ActiveSpeakerChanged.Subscribe()
	defer speakerSub.Unsubscribe()
	callsSub := s.table.CallsChanged.Subscribe()
	defer callsSub.Unsubscribe()
	streamRemovedSub := s.streams.StreamRemoved.Subscribe()
	defer streamRemovedSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-speakerSub.C():
			telemetry.ActiveSpeakerChanged()
		case <-callsSub.C():
			telemetry.PeerCallOutcome("table_changed")
		case ev := <-streamRemovedSub.C():
			s.handleUserMediaStreamRemoved(ev)
		}
	}
}

// handleUserMediaStreamRemoved implements §4.4's active-speaker fallback:
// when the participant whose user-media stream just disappeared was the
// active speaker, the detector falls back to the first remaining
// user-media participant, or resets if none remain.
func (s *GroupCallSession) handleUserMediaStreamRemoved(ev streams.StreamEvent) {
	if ev.Stream.Purpose != streams.PurposeUserMedia {
		return
	}
	current, ok := s.detector.Current()
	if !ok || current.ID() != ev.Stream.Participant.ID() {
		return
	}

	for _, remaining := range s.streams.UserMediaStreams() {
		if remaining.Participant.ID() == ev.Stream.Participant.ID() {
			continue
		}
		s.detector.FallbackTo(remaining.Participant)
		return
	}
	s.detector.Reset()
}

func (s *GroupCallSession) remoteParticipantsLocked() []callid.Participant {
	out := make([]callid.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		if p.ID() != s.local.ID() {
			out = append(out, p)
		}
	}
	return out
}

func (s *GroupCallSession) pumpMembershipUpdates(ch <-chan []membership.WireEvent) {
	for events := range ch {
		s.exec(func() {
			s.view.Update(events)
			s.onMemberStateChangedLocked(s.ctx)
		})
	}
}

func (s *GroupCallSession) pumpDeviceMessages(inbox DeviceMessengerInbox) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-inbox.Keys:
			if !ok {
				return
			}
			s.exec(func() {
				if err := s.ladder.OnCallEncryption(s.ctx, ev.SenderUserID, ev.SenderDeviceID, ev.Event); err != nil {
					log.Error().Err(err).Str("component", "groupcall.session").Msg("inbound key install failed")
				}
			})
		case req, ok := <-inbox.Requests:
			if !ok {
				return
			}
			s.exec(func() {
				if err := s.ladder.OnCallEncryptionKeyRequest(s.ctx, req.SenderUserID, req.SenderDeviceID, req.Request); err != nil {
					log.Error().Err(err).Str("component", "groupcall.session").Msg("key request handling failed")
				}
			})
		}
	}
}

// Leave implements leave() (§4.5, I6): cancels all timers and
// subscriptions, tears down peer calls and local streams, removes the
// local membership, unregisters from the owning registry and transitions
// to Ended.
func (s *GroupCallSession) Leave(ctx context.Context) error {
	if s.ended.Load() {
		return ErrPreconditionViolation
	}
	var err error
	s.exec(func() { err = s.leaveLocked(ctx) })
	return err
}

func (s *GroupCallSession) leaveLocked(ctx context.Context) error {
	if s.state != StateEntered {
		return ErrPreconditionViolation
	}

	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	if s.keyRotationTimer != nil {
		s.keyRotationTimer.Stop()
	}
	s.detector.Stop()
	if s.membershipCancel != nil {
		s.membershipCancel()
	}
	if s.messengerCancel != nil {
		s.messengerCancel()
	}

	if err := s.removeMemberStateEventLocked(ctx); err != nil {
		log.Error().Err(err).Str("component", "groupcall.session").Msg("remove member state event failed")
	}

	for _, call := range s.table.All() {
		if err := s.table.Remove(call, peercall.HangupUserHangup); err != nil {
			log.Error().Err(err).Str("component", "groupcall.session").Msg("peer call removal during leave failed")
		}
	}

	if s.localUserMedia != nil {
		s.streams.Remove(s.local, streams.PurposeUserMedia)
		s.localUserMedia = nil
		s.localUserMediaHandle = nil
	}
	if s.localScreenshare != nil {
		s.streams.RemoveScreenshare(*s.localScreenshare)
		s.localScreenshare = nil
		s.localScreenshareHandle = nil
	}

	if s.ladder != nil {
		s.ladder.ResetLocal()
	}

	if s.registry != nil {
		s.registry.Unregister(s.id)
	}

	s.state = StateEnded
	s.OnState.Publish(s.state)
	s.OnGroupCallEvent.Publish(EventLeft)

	if s.cancel != nil {
		s.cancel()
	}
	s.ended.Store(true)
	telemetry.SessionLeft()

	return nil
}

// SetScreensharingEnabled toggles the local screenshare stream. On
// acquisition failure the error is propagated to the caller rather than
// swallowed (Open Question b).
func (s *GroupCallSession) SetScreensharingEnabled(ctx context.Context, enabled bool) (bool, error) {
	if s.ended.Load() {
		return false, ErrPreconditionViolation
	}
	var ok bool
	var err error
	s.exec(func() { ok, err = s.setScreensharingEnabledLocked(ctx, enabled) })
	return ok, err
}

func (s *GroupCallSession) setScreensharingEnabledLocked(ctx context.Context, enabled bool) (bool, error) {
	if !enabled {
		if s.localScreenshare == nil {
			return false, nil
		}
		existing := *s.localScreenshare
		s.streams.RemoveScreenshare(existing)
		for _, call := range s.table.All() {
			if err := call.RemoveLocalStream(existing.Handle); err != nil {
				log.Error().Err(err).Str("component", "groupcall.session").Msg("remove screenshare from peer call failed")
			}
		}
		s.localScreenshare = nil
		s.localScreenshareHandle = nil
		return false, nil
	}

	if s.localScreenshare != nil {
		return true, nil
	}

	handle, err := s.mediaProvider.AcquireDisplayMedia(ctx)
	if err != nil {
		s.OnGroupCallEvent.Publish(EventError)
		return false, fmt.Errorf("%w: %v", ErrScreenshareFailed, err)
	}

	ws := streams.WrappedStream{Participant: s.local, Purpose: streams.PurposeScreenshare, Local: true, Handle: handle}
	s.streams.Add(ws)
	s.localScreenshare = &ws
	s.localScreenshareHandle = handle

	for _, call := range s.table.All() {
		if err := call.AddLocalStream(handle); err != nil {
			log.Error().Err(err).Str("component", "groupcall.session").Msg("add screenshare to peer call failed")
		}
	}

	return true, nil
}

// SetMicrophoneMuted propagates a mute toggle to the local handle and every
// active peer call.
func (s *GroupCallSession) SetMicrophoneMuted(muted bool) error {
	if s.ended.Load() {
		return ErrPreconditionViolation
	}
	var err error
	s.exec(func() {
		if s.localUserMediaHandle != nil {
			err = s.localUserMediaHandle.SetAudioMuted(muted)
		}
		for _, call := range s.table.All() {
			if e := call.SetMicrophoneMuted(muted); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}

// SetLocalVideoMuted propagates a video mute toggle to the local handle and
// every active peer call.
func (s *GroupCallSession) SetLocalVideoMuted(muted bool) error {
	if s.ended.Load() {
		return ErrPreconditionViolation
	}
	var err error
	s.exec(func() {
		if s.localUserMediaHandle != nil {
			err = s.localUserMediaHandle.SetVideoMuted(muted)
		}
		for _, call := range s.table.All() {
			if e := call.SetLocalVideoMuted(muted); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}
