// Package devicemessenger implements groupcall.DeviceMessenger over NATS
// subject-per-device to-device delivery, grounded in the teacher's
// transcode daemon's nats.Connect/QueueSubscribe/Drain lifecycle.
package devicemessenger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/e2ee"
	"github.com/famedly/groupcall/internal/groupcall"
)

// envelopeKind tags which payload an envelope carries.
type envelopeKind string

const (
	envelopeKeys    envelopeKind = "keys"
	envelopeRequest envelopeKind = "request"
)

// envelope is the wire frame published to a device's subject.
type envelope struct {
	Kind           envelopeKind                    `json:"kind"`
	SenderUserID   string                           `json:"sender_user_id"`
	SenderDeviceID string                           `json:"sender_device_id"`
	Keys           *e2ee.EncryptionKeysEvent         `json:"keys,omitempty"`
	Request        *e2ee.RequestEncryptionKeysEvent  `json:"request,omitempty"`
}

// subjectFor is the per-device NATS subject a Messenger publishes to and
// subscribes on, mirroring the teacher's queue-per-concern subject naming
// (TranscodeSubcriptionSubject).
func subjectFor(userID, deviceID string) string {
	return fmt.Sprintf("groupcall.device.%s.%s", userID, deviceID)
}

// Messenger is the NATS-backed groupcall.DeviceMessenger. One Messenger
// serves a single local device's subscription at a time; Subscribe records
// that device's identity so subsequent Send/Request calls stamp the
// correct sender fields.
type Messenger struct {
	nc *nats.Conn

	mu             sync.RWMutex
	localUserID    string
	localDeviceID  string
}

// New dials NATS the way the teacher's transcode.New does (nats.NoEcho, no
// extra options), and returns a Messenger ready to publish/subscribe.
func New(natsURL string) (*Messenger, error) {
	nc, err := nats.Connect(natsURL, nats.NoEcho())
	if err != nil {
		return nil, err
	}
	return &Messenger{nc: nc}, nil
}

// Close drains the underlying connection.
func (m *Messenger) Close() error {
	return m.nc.Drain()
}

// SendEncryptionKeys satisfies e2ee.Sender: publish one envelope per
// recipient device's subject.
func (m *Messenger) SendEncryptionKeys(ctx context.Context, ev e2ee.EncryptionKeysEvent, to []callid.Participant) error {
	return m.publishAll(envelopeKeys, to, &ev, nil)
}

// RequestEncryptionKeys satisfies groupcall.DeviceMessenger: ask every
// recipient to resend their latest key.
func (m *Messenger) RequestEncryptionKeys(ctx context.Context, ev e2ee.RequestEncryptionKeysEvent, to []callid.Participant) error {
	return m.publishAll(envelopeRequest, to, nil, &ev)
}

func (m *Messenger) publishAll(kind envelopeKind, to []callid.Participant, keys *e2ee.EncryptionKeysEvent, req *e2ee.RequestEncryptionKeysEvent) error {
	m.mu.RLock()
	senderUserID, senderDeviceID := m.localUserID, m.localDeviceID
	m.mu.RUnlock()

	env := envelope{Kind: kind, SenderUserID: senderUserID, SenderDeviceID: senderDeviceID, Keys: keys, Request: req}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	for _, p := range to {
		if err := m.nc.Publish(subjectFor(p.UserID, p.DeviceID), payload); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe opens a per-device NATS subscription and demultiplexes inbound
// envelopes into the two channels groupcall.DeviceMessengerInbox exposes.
func (m *Messenger) Subscribe(ctx context.Context, localUserID, localDeviceID string) (groupcall.DeviceMessengerInbox, func()) {
	m.mu.Lock()
	m.localUserID, m.localDeviceID = localUserID, localDeviceID
	m.mu.Unlock()

	keys := make(chan groupcall.InboundEncryptionKeys, 16)
	requests := make(chan groupcall.InboundKeyRequest, 16)

	sub, err := m.nc.Subscribe(subjectFor(localUserID, localDeviceID), func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Error().Err(err).Str("component", "devicemessenger").Msg("decode envelope failed")
			return
		}
		switch env.Kind {
		case envelopeKeys:
			if env.Keys == nil {
				return
			}
			select {
			case keys <- groupcall.InboundEncryptionKeys{SenderUserID: env.SenderUserID, SenderDeviceID: env.SenderDeviceID, Event: *env.Keys}:
			default:
				log.Warn().Str("component", "devicemessenger").Msg("keys inbox full, dropping")
			}
		case envelopeRequest:
			if env.Request == nil {
				return
			}
			select {
			case requests <- groupcall.InboundKeyRequest{SenderUserID: env.SenderUserID, SenderDeviceID: env.SenderDeviceID, Request: *env.Request}:
			default:
				log.Warn().Str("component", "devicemessenger").Msg("requests inbox full, dropping")
			}
		}
	})
	if err != nil {
		log.Error().Err(err).Str("component", "devicemessenger").Msg("subscribe failed")
		close(keys)
		close(requests)
		return groupcall.DeviceMessengerInbox{Keys: keys, Requests: requests}, func() {}
	}

	cancel := func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Str("component", "devicemessenger").Msg("unsubscribe failed")
		}
		close(keys)
		close(requests)
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return groupcall.DeviceMessengerInbox{Keys: keys, Requests: requests}, cancel
}
