// Package e2ee implements the E2EE Key Ladder (C8): it generates, stores,
// ratchets, distributes, rotates and installs per-participant sender keys
// over an encrypted device-to-device side channel, for the SFU-relayed
// (LiveKit) backend.
package e2ee

import (
	"crypto/rand"
	"sync"

	"github.com/famedly/groupcall/internal/callid"
)

// NumKeySlots is the modulus the key index cycles over, per §3.
const NumKeySlots = 16

// SenderKey is a 32-byte symmetric key used to encrypt outbound media
// frames.
type SenderKey [32]byte

// NewRandomSenderKey draws 32 bytes from a CSPRNG. No third-party library in
// the retrieved pack improves on crypto/rand for this (DESIGN.md).
func NewRandomSenderKey() (SenderKey, error) {
	var k SenderKey
	if _, err := rand.Read(k[:]); err != nil {
		return SenderKey{}, err
	}
	return k, nil
}

// KeyTable is encryptionKeysMap of §3: per participant, the set of keys
// currently known for them, indexed by their cycling slot.
type KeyTable struct {
	mu   sync.RWMutex
	keys map[string]map[int]SenderKey
}

// NewKeyTable constructs an empty KeyTable.
func NewKeyTable() *KeyTable {
	return &KeyTable{keys: make(map[string]map[int]SenderKey)}
}

func (t *KeyTable) set(p callid.Participant, idx int, key SenderKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slots := t.keys[p.ID()]
	if slots == nil {
		slots = make(map[int]SenderKey)
		t.keys[p.ID()] = slots
	}
	slots[idx] = key
}

// Get returns the key at idx for p, if known.
func (t *KeyTable) Get(p callid.Participant, idx int) (SenderKey, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slots, ok := t.keys[p.ID()]
	if !ok {
		return SenderKey{}, false
	}
	k, ok := slots[idx]
	return k, ok
}

// Drop removes every key entry for p (used when a participant leaves,
// §4.5 step 6).
func (t *KeyTable) Drop(p callid.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, p.ID())
}

// Count returns the number of slots currently populated for p — used by S7
// to assert the table never exceeds NumKeySlots entries per participant.
func (t *KeyTable) Count(p callid.Participant) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.keys[p.ID()])
}
