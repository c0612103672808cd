package groupcall

import (
	"context"

	"github.com/famedly/groupcall/internal/membership"
)

// RoomService is the external collaborator (§6) for reading and writing a
// room's FamedlyCallMemberEvent state.
type RoomService interface {
	// FetchMemberships returns every user's current memberships array for
	// roomID, decoded and ready for membership.View.Update.
	FetchMemberships(ctx context.Context, roomID string) ([]membership.WireEvent, error)
	// WriteMemberships overwrites userID's memberships array in roomID.
	WriteMemberships(ctx context.Context, roomID, userID string, entries []membership.MembershipEntry) error
	// Subscribe returns a channel of membership snapshots pushed whenever
	// any user's state changes in roomID; the subscription must be
	// cancelled via the returned function once the session leaves.
	Subscribe(ctx context.Context, roomID string) (<-chan []membership.WireEvent, func())
}

// DeviceKeyDirectory is the external collaborator that resolves a device's
// end-to-end encryption identity (§6). GroupCallSession never calls it,
// and the NATS DeviceMessenger in internal/adapters/devicemessenger does
// not consult it either; no implementation of it ships in this repository.
type DeviceKeyDirectory interface {
	HasE2EEIdentity(ctx context.Context, userID, deviceID string) (bool, error)
}

// LocalMediaProvider abstracts acquiring the local participant's user-media
// (initLocalStream) and display-media (setScreensharingEnabled) streams.
type LocalMediaProvider interface {
	AcquireUserMedia(ctx context.Context) (MediaHandle, error)
	AcquireDisplayMedia(ctx context.Context) (MediaHandle, error)
}

// MediaHandle is the minimal capability a local stream exposes to the
// session: stoppable, and able to report its own mute state toggles.
type MediaHandle interface {
	Stop()
	SetAudioMuted(muted bool) error
	SetVideoMuted(muted bool) error
}
