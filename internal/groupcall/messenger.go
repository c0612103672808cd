package groupcall

import (
	"context"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/e2ee"
)

// DeviceMessenger is the external collaborator (§6) for the encrypted (or
// plaintext, if the room isn't encrypted) device-to-device side channel
// carrying EncryptionKeysEvent/RequestEncryptionKeysEvent traffic. It
// satisfies e2ee.Sender directly so a GroupCallSession's Ladder can be
// constructed from it without an adapter shim.
type DeviceMessenger interface {
	e2ee.Sender
	// RequestEncryptionKeys asks every current remote participant to
	// resend their latest key — used when this session joins an
	// already-running SFU+E2EE call and has no keys yet.
	RequestEncryptionKeys(ctx context.Context, ev e2ee.RequestEncryptionKeysEvent, to []callid.Participant) error
	// Subscribe returns channels of inbound EncryptionKeysEvent and
	// RequestEncryptionKeysEvent frames addressed to (localUserID,
	// localDeviceID), plus a cancel function.
	Subscribe(ctx context.Context, localUserID, localDeviceID string) (DeviceMessengerInbox, func())
}

// InboundEncryptionKeys pairs a decoded EncryptionKeysEvent with the
// sender's identity, as delivered by DeviceMessenger.Subscribe.
type InboundEncryptionKeys struct {
	SenderUserID   string
	SenderDeviceID string
	Event          e2ee.EncryptionKeysEvent
}

// InboundKeyRequest pairs a decoded RequestEncryptionKeysEvent with the
// requester's identity.
type InboundKeyRequest struct {
	SenderUserID   string
	SenderDeviceID string
	Request        e2ee.RequestEncryptionKeysEvent
}

// DeviceMessengerInbox is the pair of channels a DeviceMessenger
// subscription delivers on.
type DeviceMessengerInbox struct {
	Keys     <-chan InboundEncryptionKeys
	Requests <-chan InboundKeyRequest
}
