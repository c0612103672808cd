package e2ee

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/membership"
)

// ErrRatchetTransient is returned by RatchetLocalParticipantKey when the
// KeyProvider still reports an empty ratcheted key after the bounded
// retries RatchetLocalParticipantKey makes; §4.7 treats an empty key as
// transient.
var ErrRatchetTransient = errors.New("e2ee: ratchet returned an empty key")

// Provider is the external Key provider collaborator (§6): it owns the
// actual cryptographic install/ratchet operations against the media
// encryptor/decryptor, which this package does not implement itself.
type Provider interface {
	OnSetEncryptionKey(ctx context.Context, p callid.Participant, key SenderKey, index int) error
	OnRatchetKey(ctx context.Context, p callid.Participant, index int) ([]byte, error)
}

// Sender distributes an EncryptionKeysEvent to a set of recipient devices
// over the encrypted (or plaintext, if the room isn't encrypted)
// device-to-device channel.
type Sender interface {
	SendEncryptionKeys(ctx context.Context, ev EncryptionKeysEvent, to []callid.Participant) error
}

// MembershipChecker is consulted by OnCallEncryptionKeyRequest to decide
// whether the requester currently holds a live membership scoped to this
// call before resending a key to them.
type MembershipChecker interface {
	FindLiveForDevice(userID, deviceID string) (membership.Membership, bool)
}

// Ladder is the E2EE Key Ladder (C8). One Ladder is owned per group call
// session using the SFU backend with E2EE enabled.
type Ladder struct {
	local       callid.Participant
	callID      string
	roomID      string
	application string
	scope       string
	backend     membership.BackendKind

	provider Provider
	sender   Sender
	checker  MembershipChecker

	table *KeyTable

	useKeyDelay time.Duration
	pending     sync.WaitGroup

	mu                     sync.Mutex
	counter                int
	genCounter             int64
	hasLocalKey            bool
	latestLocalIndex       int
	latestLocalGeneration  int64
	currentLocalIndex      int
	currentLocalGeneration int64
}

// NewLadder constructs a Ladder for the local participant of the given
// call/room/application/scope/backend.
func NewLadder(
	local callid.Participant,
	callID, roomID, application, scope string,
	backend membership.BackendKind,
	provider Provider,
	sender Sender,
	checker MembershipChecker,
	useKeyDelay time.Duration,
) *Ladder {
	return &Ladder{
		local:       local,
		callID:      callID,
		roomID:      roomID,
		application: application,
		scope:       scope,
		backend:     backend,
		provider:    provider,
		sender:      sender,
		checker:     checker,
		table:       NewKeyTable(),
		useKeyDelay: useKeyDelay,
	}
}

// nextIndex advances the monotonic allocation counter and reduces it modulo
// NumKeySlots, per §4.7.
func (l *Ladder) nextIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.counter % NumKeySlots
	l.counter++
	return idx
}

// MakeNewSenderKey generates a fresh random key, allocates the next index
// and installs+distributes it.
func (l *Ladder) MakeNewSenderKey(ctx context.Context, delayBeforeUsingKeyOurself bool, sendTo []callid.Participant) error {
	key, err := NewRandomSenderKey()
	if err != nil {
		return err
	}
	idx := l.nextIndex()
	return l.setEncryptionKey(ctx, l.local, idx, key, true, delayBeforeUsingKeyOurself, sendTo)
}

// setEncryptionKey implements the §4.7 setEncryptionKey algorithm.
func (l *Ladder) setEncryptionKey(
	ctx context.Context,
	p callid.Participant,
	idx int,
	key SenderKey,
	send bool,
	delayBeforeUsingKeyOurself bool,
	sendTo []callid.Participant,
) error {
	l.table.set(p, idx, key)

	isLocal := p.ID() == l.local.ID()
	var generation int64
	if isLocal {
		l.mu.Lock()
		l.genCounter++ // generation advances independently of the index's own cycling
		generation = l.genCounter
		l.hasLocalKey = true
		l.latestLocalIndex = idx
		l.latestLocalGeneration = generation
		l.mu.Unlock()
	}

	if send {
		ev := EncodeEncryptionKeysEvent(l.callID, l.callID, l.local.DeviceID, l.roomID, map[int]SenderKey{idx: key})
		if err := l.sender.SendEncryptionKeys(ctx, ev, sendTo); err != nil {
			return err
		}
	}

	install := func() {
		if err := l.provider.OnSetEncryptionKey(ctx, p, key, idx); err != nil {
			log.Error().Err(err).Str("component", "e2ee.ladder").
				Str("participant", p.ID()).Int("index", idx).Msg("install key failed")
			return
		}
		if isLocal {
			l.mu.Lock()
			if generation >= l.currentLocalGeneration {
				l.currentLocalIndex = idx
				l.currentLocalGeneration = generation
			}
			l.mu.Unlock()
		}
	}

	if isLocal && delayBeforeUsingKeyOurself && l.useKeyDelay > 0 {
		l.pending.Add(1)
		time.AfterFunc(l.useKeyDelay, func() {
			defer l.pending.Done()
			install()
		})
	} else {
		install()
	}

	return nil
}

// RatchetLocalParticipantKey asks the Provider to deterministically derive
// the next key from the current local key, installs it at the same index
// (no new slot, no install delay) and distributes it. Falls back to
// MakeNewSenderKey if the local participant has no key yet.
func (l *Ladder) RatchetLocalParticipantKey(ctx context.Context, sendTo []callid.Participant) error {
	l.mu.Lock()
	hasKey := l.hasLocalKey
	idx := l.latestLocalIndex
	l.mu.Unlock()

	if !hasKey {
		return l.MakeNewSenderKey(ctx, false, sendTo)
	}

	// An empty ratcheted key is transient: ask the Provider again a bounded
	// number of times before giving up with ErrRatchetTransient.
	const ratchetAttempts = 3
	var raw []byte
	for attempt := 0; attempt < ratchetAttempts && len(raw) == 0; attempt++ {
		next, err := l.provider.OnRatchetKey(ctx, l.local, idx)
		if err != nil {
			return err
		}
		raw = next
	}
	if len(raw) == 0 {
		return ErrRatchetTransient
	}

	var key SenderKey
	if len(raw) != len(key) {
		return errors.New("e2ee: ratcheted key has wrong length")
	}
	copy(key[:], raw)

	return l.setEncryptionKey(ctx, l.local, idx, key, true, false, sendTo)
}

// OnCallEncryption installs every {index, key} pair from an inbound
// EncryptionKeysEvent for the sending participant, without redistributing
// or delaying. A payload with an empty keys array is logged and ignored.
func (l *Ladder) OnCallEncryption(ctx context.Context, senderUserID, senderDeviceID string, ev EncryptionKeysEvent) error {
	decoded, err := DecodeEncryptionKeysEvent(ev)
	if errors.Is(err, ErrEmptyKeysPayload) {
		log.Warn().Str("component", "e2ee.ladder").Str("sender", senderUserID).
			Msg("received encryption keys event with no keys")
		return nil
	}
	if err != nil {
		return err
	}

	sender := callid.Participant{UserID: senderUserID, DeviceID: senderDeviceID}
	for idx, key := range decoded {
		if err := l.setEncryptionKey(ctx, sender, idx, key, false, false, nil); err != nil {
			log.Error().Err(err).Str("component", "e2ee.ladder").
				Str("sender", sender.ID()).Int("index", idx).Msg("install inbound key failed")
		}
	}
	return nil
}

// OnCallEncryptionKeyRequest resends the local participant's latest key to
// the requesting device, but only if that device currently holds a live
// membership for this call scoped to the same room/application/scope/
// backend — the request's room id is compared against this ladder's room,
// not against itself.
func (l *Ladder) OnCallEncryptionKeyRequest(ctx context.Context, senderUserID, senderDeviceID string, req RequestEncryptionKeysEvent) error {
	if l.checker == nil {
		return nil
	}

	mem, ok := l.checker.FindLiveForDevice(senderUserID, senderDeviceID)
	if !ok {
		return nil
	}
	if mem.CallID != l.callID || mem.RoomID != l.roomID || req.RoomID != l.roomID ||
		mem.Application != l.application || mem.Scope != l.scope ||
		mem.Backend.Kind != l.backend {
		return nil
	}

	l.mu.Lock()
	hasKey := l.hasLocalKey
	idx := l.latestLocalIndex
	l.mu.Unlock()
	if !hasKey {
		return nil
	}

	key, ok := l.table.Get(l.local, idx)
	if !ok {
		return nil
	}

	ev := EncodeEncryptionKeysEvent(l.callID, l.callID, l.local.DeviceID, l.roomID, map[int]SenderKey{idx: key})
	requester := callid.Participant{UserID: senderUserID, DeviceID: senderDeviceID}
	return l.sender.SendEncryptionKeys(ctx, ev, []callid.Participant{requester})
}

// DropParticipant removes every key entry for p, used when p leaves the
// call (§4.5 step 6).
func (l *Ladder) DropParticipant(p callid.Participant) {
	l.table.Drop(p)
}

// ResetLocal purges the local key entry and resets both indices to zero,
// used when the local participant leaves the call.
func (l *Ladder) ResetLocal() {
	l.mu.Lock()
	l.hasLocalKey = false
	l.latestLocalIndex = 0
	l.currentLocalIndex = 0
	l.latestLocalGeneration = 0
	l.currentLocalGeneration = 0
	l.mu.Unlock()
	l.table.Drop(l.local)
}

// CurrentLocalIndex returns the index currently installed in the local
// encryptor.
func (l *Ladder) CurrentLocalIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLocalIndex
}

// LatestLocalIndex returns the most recently generated local key's index,
// which may temporarily lead CurrentLocalIndex across a propagation delay.
func (l *Ladder) LatestLocalIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latestLocalIndex
}

// Table exposes the underlying KeyTable for inspection (e.g. S7 tests).
func (l *Ladder) Table() *KeyTable {
	return l.table
}

// Wait blocks until every delayed key install scheduled so far has run.
// Test-only helper; production callers never need to synchronize on it.
func (l *Ladder) Wait() {
	l.pending.Wait()
}
