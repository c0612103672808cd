package groupcall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/e2ee"
	"github.com/famedly/groupcall/internal/eventbus"
	"github.com/famedly/groupcall/internal/membership"
	"github.com/famedly/groupcall/internal/peercall"
	"github.com/famedly/groupcall/internal/registry"
)

// fakeRoomService is an in-memory RoomService: a per-user memberships map
// plus a fan-out bus, mirroring the real Postgres+Redis adapter's
// write-then-notify shape closely enough for session-level tests.
type fakeRoomService struct {
	mu      sync.Mutex
	byUser  map[string][]membership.MembershipEntry
	subBus  *eventbus.Bus[[]membership.WireEvent]
}

func newFakeRoomService() *fakeRoomService {
	return &fakeRoomService{
		byUser: make(map[string][]membership.MembershipEntry),
		subBus: eventbus.New[[]membership.WireEvent](),
	}
}

func (f *fakeRoomService) snapshotLocked() []membership.WireEvent {
	out := make([]membership.WireEvent, 0, len(f.byUser))
	for userID, entries := range f.byUser {
		out = append(out, membership.WireEvent{UserID: userID, Memberships: entries})
	}
	return out
}

func (f *fakeRoomService) FetchMemberships(ctx context.Context, roomID string) ([]membership.WireEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked(), nil
}

func (f *fakeRoomService) WriteMemberships(ctx context.Context, roomID, userID string, entries []membership.MembershipEntry) error {
	f.mu.Lock()
	f.byUser[userID] = entries
	snapshot := f.snapshotLocked()
	f.mu.Unlock()
	f.subBus.Publish(snapshot)
	return nil
}

func (f *fakeRoomService) Subscribe(ctx context.Context, roomID string) (<-chan []membership.WireEvent, func()) {
	sub := f.subBus.Subscribe()
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return sub.C(), func() {}
}

// seedRemote overwrites userID's whole memberships array, mirroring what a
// real heartbeat write does — used to set up and update reconciliation
// scenarios without going through a second GroupCallSession.
func (f *fakeRoomService) seedRemote(userID string, entries ...membership.MembershipEntry) {
	f.mu.Lock()
	f.byUser[userID] = entries
	snapshot := f.snapshotLocked()
	f.mu.Unlock()
	f.subBus.Publish(snapshot)
}

// fakeMediaHandle is a no-op MediaHandle.
type fakeMediaHandle struct{}

func (fakeMediaHandle) Stop()                    {}
func (fakeMediaHandle) SetAudioMuted(bool) error { return nil }
func (fakeMediaHandle) SetVideoMuted(bool) error { return nil }

// fakeMediaProvider always succeeds.
type fakeMediaProvider struct{}

func (fakeMediaProvider) AcquireUserMedia(ctx context.Context) (MediaHandle, error) {
	return fakeMediaHandle{}, nil
}
func (fakeMediaProvider) AcquireDisplayMedia(ctx context.Context) (MediaHandle, error) {
	return fakeMediaHandle{}, nil
}

// fakePeerCall is a minimal peercall.PeerCall recording what was done to it.
type fakePeerCall struct {
	callID         string
	remoteUserID   string
	remoteDeviceID string
	remoteSession  string
	direction      peercall.Direction

	mu       sync.Mutex
	state    peercall.State
	placed   bool
	answered bool
	hangups  []peercall.HangupReason

	stateBus   *eventbus.Bus[peercall.State]
	replaceBus *eventbus.Bus[peercall.PeerCall]
	streamsBus *eventbus.Bus[peercall.StreamChange]
	hangupBus  *eventbus.Bus[peercall.HangupReason]
}

func newFakePeerCall(opts peercall.NewCallOptions) *fakePeerCall {
	return &fakePeerCall{
		callID:         opts.CallID,
		remoteUserID:   opts.RemoteUserID,
		remoteDeviceID: opts.RemoteDeviceID,
		remoteSession:  opts.RemoteSession,
		direction:      opts.Direction,
		state:          peercall.StateConnected,
		stateBus:       eventbus.New[peercall.State](),
		replaceBus:     eventbus.New[peercall.PeerCall](),
		streamsBus:     eventbus.New[peercall.StreamChange](),
		hangupBus:      eventbus.New[peercall.HangupReason](),
	}
}

// newIncomingFakePeerCall builds a fakePeerCall the way an inbound
// "m.call.invite" would arrive: ringing, not yet placed or answered.
func newIncomingFakePeerCall(callID string, remote callid.Participant, remoteSession string) *fakePeerCall {
	return &fakePeerCall{
		callID:         callID,
		remoteUserID:   remote.UserID,
		remoteDeviceID: remote.DeviceID,
		remoteSession:  remoteSession,
		direction:      peercall.DirectionIncoming,
		state:          peercall.StateRinging,
		stateBus:       eventbus.New[peercall.State](),
		replaceBus:     eventbus.New[peercall.PeerCall](),
		streamsBus:     eventbus.New[peercall.StreamChange](),
		hangupBus:      eventbus.New[peercall.HangupReason](),
	}
}

func (f *fakePeerCall) CallID() string                   { return f.callID }
func (f *fakePeerCall) RemoteUserID() string              { return f.remoteUserID }
func (f *fakePeerCall) RemoteDeviceID() string            { return f.remoteDeviceID }
func (f *fakePeerCall) RemoteSessionID() string           { return f.remoteSession }
func (f *fakePeerCall) State() peercall.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakePeerCall) Direction() peercall.Direction     { return f.direction }

func (f *fakePeerCall) PlaceCallWithStreams(ctx context.Context) error {
	f.mu.Lock()
	f.placed = true
	f.state = peercall.StateConnected
	f.mu.Unlock()
	return nil
}

func (f *fakePeerCall) AnswerWithStreams(ctx context.Context) error {
	f.mu.Lock()
	f.answered = true
	f.state = peercall.StateConnected
	f.mu.Unlock()
	return nil
}

func (f *fakePeerCall) Hangup(reason peercall.HangupReason, shouldEmit bool) error {
	f.mu.Lock()
	f.hangups = append(f.hangups, reason)
	f.mu.Unlock()
	if shouldEmit {
		f.hangupBus.Publish(reason)
	}
	return nil
}

func (f *fakePeerCall) AddLocalStream(handle interface{ Stop() }) error    { return nil }
func (f *fakePeerCall) RemoveLocalStream(handle interface{ Stop() }) error { return nil }
func (f *fakePeerCall) SetMicrophoneMuted(muted bool) error               { return nil }
func (f *fakePeerCall) SetLocalVideoMuted(muted bool) error               { return nil }
func (f *fakePeerCall) GetStats(ctx context.Context) (peercall.StatsReport, error) {
	return nil, nil
}

func (f *fakePeerCall) OnState() *eventbus.Bus[peercall.State]                 { return f.stateBus }
func (f *fakePeerCall) OnReplace() *eventbus.Bus[peercall.PeerCall]            { return f.replaceBus }
func (f *fakePeerCall) OnStreamsChanged() *eventbus.Bus[peercall.StreamChange] { return f.streamsBus }
func (f *fakePeerCall) OnHangup() *eventbus.Bus[peercall.HangupReason]        { return f.hangupBus }

// fakeTransport records every outgoing call it was asked to create.
type fakeTransport struct {
	mu      sync.Mutex
	created []*fakePeerCall
}

func (f *fakeTransport) CreateOutgoingCall(opts peercall.NewCallOptions) (peercall.PeerCall, error) {
	call := newFakePeerCall(opts)
	f.mu.Lock()
	f.created = append(f.created, call)
	f.mu.Unlock()
	return call, nil
}

func (f *fakeTransport) UpdateMediaDeviceForCall(call peercall.PeerCall) error { return nil }

// createdFor returns the most recently created call for (userID, deviceID).
func (f *fakeTransport) createdFor(userID, deviceID string) *fakePeerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		c := f.created[i]
		if c.remoteUserID == userID && c.remoteDeviceID == deviceID {
			return c
		}
	}
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fakeMessenger is a DeviceMessenger that records sent keys/requests and
// never delivers anything inbound (no LiveKit+E2EE test relies on an
// inbound round trip).
type fakeMessenger struct {
	mu       sync.Mutex
	sent     []e2ee.EncryptionKeysEvent
	requests []e2ee.RequestEncryptionKeysEvent
}

func (f *fakeMessenger) SendEncryptionKeys(ctx context.Context, ev e2ee.EncryptionKeysEvent, to []callid.Participant) error {
	f.mu.Lock()
	f.sent = append(f.sent, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) RequestEncryptionKeys(ctx context.Context, ev e2ee.RequestEncryptionKeysEvent, to []callid.Participant) error {
	f.mu.Lock()
	f.requests = append(f.requests, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) Subscribe(ctx context.Context, localUserID, localDeviceID string) (DeviceMessengerInbox, func()) {
	keys := make(chan InboundEncryptionKeys)
	requests := make(chan InboundKeyRequest)
	return DeviceMessengerInbox{Keys: keys, Requests: requests}, func() {}
}

func (f *fakeMessenger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeKeyProvider is an e2ee.Provider that installs and "ratchets" keys by
// just incrementing their first byte, enough to prove a rotation happened.
type fakeKeyProvider struct {
	mu        sync.Mutex
	installed map[string]e2ee.SenderKey
}

func newFakeKeyProvider() *fakeKeyProvider {
	return &fakeKeyProvider{installed: make(map[string]e2ee.SenderKey)}
}

func (f *fakeKeyProvider) OnSetEncryptionKey(ctx context.Context, p callid.Participant, key e2ee.SenderKey, index int) error {
	f.mu.Lock()
	f.installed[p.ID()] = key
	f.mu.Unlock()
	return nil
}

func (f *fakeKeyProvider) OnRatchetKey(ctx context.Context, p callid.Participant, index int) ([]byte, error) {
	f.mu.Lock()
	current := f.installed[p.ID()]
	f.mu.Unlock()
	next := current
	next[0]++
	return next[:], nil
}

func newTestRegistry() *registry.Registry[*GroupCallSession] {
	return registry.New[*GroupCallSession]()
}

var _ RoomService = (*fakeRoomService)(nil)
var _ LocalMediaProvider = fakeMediaProvider{}
var _ MediaHandle = fakeMediaHandle{}
var _ peercall.MediaTransport = (*fakeTransport)(nil)
var _ peercall.PeerCall = (*fakePeerCall)(nil)
var _ DeviceMessenger = (*fakeMessenger)(nil)
var _ e2ee.Provider = (*fakeKeyProvider)(nil)

// seedLiveMembership overwrites p's whole memberships array with a single
// fresh, non-expired entry, as if p's own session had just written its
// heartbeat entry with the given membershipId (a fresh membershipId models
// a brand new session replacing a stale one, per S2).
func seedLiveMembership(rooms *fakeRoomService, p callid.Participant, callID, application, scope, membershipID string, backend membership.BackendKind) {
	entry := membership.NewEntry(
		callID, p.DeviceID,
		membership.ExpiresTsMsFromNow(time.Minute, time.Now()),
		membership.Backend{Kind: backend},
		application, scope, membershipID, string(backend),
	)
	rooms.seedRemote(p.UserID, entry)
}

// waitFor polls cond until it reports true or the deadline passes, giving
// session goroutines (pumpMembershipUpdates, pumpDeviceMessages) time to
// react to a seeded event without a fixed sleep.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
