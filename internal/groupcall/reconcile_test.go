package groupcall

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/config"
	"github.com/famedly/groupcall/internal/membership"
	"github.com/famedly/groupcall/internal/peercall"
)

// TestTieBreakOnlySmallerParticipantInitiates is S1: of two mesh
// participants, only the one whose canonical id is lexicographically
// smaller places an outgoing call; the other waits for the incoming call.
func TestTieBreakOnlySmallerParticipantInitiates(t *testing.T) {
	rooms := newFakeRoomService()
	tr := &fakeTransport{}
	s, local := newMeshSession(t, rooms, tr)
	require.NoError(t, s.Enter(context.Background()))

	larger := callid.Participant{UserID: "@zed:example.org", DeviceID: "ZED1"}
	require.True(t, local.Less(larger))
	seedLiveMembership(rooms, larger, "call1", "m.call", "m.room", "zed-v1", membership.BackendMesh)

	waitFor(t, func() bool { return tr.count() == 1 })
	assert.NotNil(t, tr.createdFor(larger.UserID, larger.DeviceID))

	smaller := callid.Participant{UserID: "@aaa:example.org", DeviceID: "AAA1"}
	assert.True(t, smaller.Less(local))
	seedLiveMembership(rooms, smaller, "call1", "m.call", "m.room", "aaa-v1", membership.BackendMesh)

	// give reconciliation a moment; it must NOT create an outgoing call
	// toward smaller, since local does not precede it in the tie-break order.
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, tr.createdFor(smaller.UserID, smaller.DeviceID))
	assert.Equal(t, 1, tr.count())
}

// TestStaleSessionReplacementPlacesFreshOutgoingCall is S2: when a remote
// participant's membershipId changes (a new session replacing an old one)
// the stale table entry is torn down and a fresh outgoing call is placed.
func TestStaleSessionReplacementPlacesFreshOutgoingCall(t *testing.T) {
	rooms := newFakeRoomService()
	tr := &fakeTransport{}
	s, local := newMeshSession(t, rooms, tr)
	require.NoError(t, s.Enter(context.Background()))

	remote := callid.Participant{UserID: "@zed:example.org", DeviceID: "ZED1"}
	require.True(t, local.Less(remote))
	seedLiveMembership(rooms, remote, "call1", "m.call", "m.room", "zed-v1", membership.BackendMesh)

	waitFor(t, func() bool { return tr.count() == 1 })
	firstCall := tr.createdFor(remote.UserID, remote.DeviceID)
	require.NotNil(t, firstCall)
	assert.Equal(t, "zed-v1", firstCall.remoteSession)

	seedLiveMembership(rooms, remote, "call1", "m.call", "m.room", "zed-v2", membership.BackendMesh)

	waitFor(t, func() bool { return tr.count() == 2 })

	firstCall.mu.Lock()
	hungUp := len(firstCall.hangups) > 0
	firstCall.mu.Unlock()
	assert.True(t, hungUp, "stale call must be removed from the table")

	secondCall := tr.createdFor(remote.UserID, remote.DeviceID)
	require.NotNil(t, secondCall)
	assert.NotSame(t, firstCall, secondCall)
	assert.Equal(t, "zed-v2", secondCall.remoteSession)
}

// TestIncomingCallReplacesExistingEntryForSameParticipant is S3: an
// OnIncomingCall for a participant that already has a table entry, but
// carrying a different CallID, replaces the existing entry rather than
// being rejected as a duplicate (I1 is enforced via replacement, not
// rejection).
func TestIncomingCallReplacesExistingEntryForSameParticipant(t *testing.T) {
	rooms := newFakeRoomService()
	tr := &fakeTransport{}
	s, _ := newMeshSession(t, rooms, tr)
	require.NoError(t, s.Enter(context.Background()))

	remote := callid.Participant{UserID: "@bob:example.org", DeviceID: "BOB1"}
	firstIncoming := newIncomingFakePeerCall("peercall-1", remote, "bob-v1")
	require.NoError(t, s.table.Add(firstIncoming))
	require.Equal(t, 1, s.table.Len())

	secondIncoming := newIncomingFakePeerCall("peercall-2", remote, "bob-v1")
	err := s.OnIncomingCall(context.Background(), secondIncoming, s.id.CallID, s.id.RoomID)
	require.NoError(t, err)

	assert.Equal(t, 1, s.table.Len())
	current, ok := s.table.GetForParticipant(remote)
	require.True(t, ok)
	assert.Equal(t, "peercall-2", current.CallID())

	firstIncoming.mu.Lock()
	defer firstIncoming.mu.Unlock()
	assert.Contains(t, firstIncoming.hangups, peercall.HangupReplaced)

	secondIncoming.mu.Lock()
	defer secondIncoming.mu.Unlock()
	assert.True(t, secondIncoming.answered)
}

// TestOnIncomingCallRejectsWrongGroupCall exercises the guard clause ahead
// of S3: a call carrying a different or missing groupCallId is hung up and
// ErrStaleSession is returned without touching the table.
func TestOnIncomingCallRejectsWrongGroupCall(t *testing.T) {
	rooms := newFakeRoomService()
	tr := &fakeTransport{}
	s, _ := newMeshSession(t, rooms, tr)
	require.NoError(t, s.Enter(context.Background()))

	remote := callid.Participant{UserID: "@bob:example.org", DeviceID: "BOB1"}
	incoming := newIncomingFakePeerCall("peercall-1", remote, "bob-v1")

	err := s.OnIncomingCall(context.Background(), incoming, "some-other-call", s.id.RoomID)
	assert.ErrorIs(t, err, ErrStaleSession)
	assert.Equal(t, 0, s.table.Len())

	incoming.mu.Lock()
	defer incoming.mu.Unlock()
	assert.Contains(t, incoming.hangups, peercall.HangupInviteTimeout)
}

// TestLeaveDebounceCoalescesSimultaneousLeavers is S4: several leavers
// arriving within MakeKeyDelay of each other produce exactly one rotated
// sender key, generated only after the debounce window elapses.
func TestLeaveDebounceCoalescesSimultaneousLeavers(t *testing.T) {
	rooms := newFakeRoomService()
	tr := &fakeTransport{}
	messenger := &fakeMessenger{}
	keyProvider := newFakeKeyProvider()

	local := callid.Participant{UserID: "@alice:example.org", DeviceID: "ALICE1"}
	tun := config.Tunables{
		ExpireTsBumpDuration:        time.Minute,
		UpdateExpireTsTimerDuration: time.Hour,
		ActiveSpeakerInterval:       time.Hour,
		MakeKeyDelay:                40 * time.Millisecond,
		UseKeyDelay:                 0,
		EnableSFUE2EEKeyRatcheting:  false,
	}

	s := New(SessionOptions{
		RoomID:      "!room:example.org",
		CallID:      "call1",
		Local:       local,
		Application: "m.call",
		Scope:       "m.room",
		Backend:     membership.Backend{Kind: membership.BackendLiveKit},
		EnableE2EE:  true,
		Tunables:    tun,

		RoomService:   rooms,
		Messenger:     messenger,
		Transport:     tr,
		MediaProvider: fakeMediaProvider{},
		KeyProvider:   keyProvider,
		Registry:      newTestRegistry(),
	})
	require.NoError(t, s.Enter(context.Background()))

	bob := callid.Participant{UserID: "@bob:example.org", DeviceID: "BOB1"}
	carol := callid.Participant{UserID: "@carol:example.org", DeviceID: "CAROL1"}
	seedLiveMembership(rooms, bob, "call1", "m.call", "m.room", "bob-v1", membership.BackendLiveKit)
	seedLiveMembership(rooms, carol, "call1", "m.call", "m.room", "carol-v1", membership.BackendLiveKit)

	waitFor(t, func() bool { return len(s.Participants()) == 3 })

	sentBeforeLeaves := messenger.sentCount()

	// bob and carol leave within the same debounce window.
	rooms.seedRemote(bob.UserID)
	time.Sleep(5 * time.Millisecond)
	rooms.seedRemote(carol.UserID)

	waitFor(t, func() bool { return len(s.Participants()) == 1 })

	// give the debounce timer time to fire exactly once.
	time.Sleep(100 * time.Millisecond)

	sentAfterLeaves := messenger.sentCount() - sentBeforeLeaves
	assert.Equal(t, 1, sentAfterLeaves, "expected exactly one rotated key send for two coalesced leavers")
}
