// Package keyprovider implements e2ee.Provider by deriving ratcheted key
// material with HKDF rather than wiring into a real media
// encryptor/decryptor, which is out of scope for this core (see §6's Key
// provider collaborator note).
package keyprovider

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/e2ee"
)

// ratchetInfo is the HKDF "info" parameter distinguishing this derivation
// from any other use of the same input key material.
var ratchetInfo = []byte("famedly-groupcall-sender-key-ratchet")

// Provider is the HKDF-backed e2ee.Provider. It tracks the currently
// installed key per (participant, index) so RatchetLocalParticipantKey's
// OnRatchetKey call can derive the next generation from it.
type Provider struct {
	mu        sync.Mutex
	installed map[string]map[int]e2ee.SenderKey
}

// New constructs an empty Provider.
func New() *Provider {
	return &Provider{installed: make(map[string]map[int]e2ee.SenderKey)}
}

// OnSetEncryptionKey records key as installed for (p, index). A real
// implementation would additionally push the key into the media
// encryptor/decryptor pipeline at this point.
func (kp *Provider) OnSetEncryptionKey(ctx context.Context, p callid.Participant, key e2ee.SenderKey, index int) error {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	slots, ok := kp.installed[p.ID()]
	if !ok {
		slots = make(map[int]e2ee.SenderKey)
		kp.installed[p.ID()] = slots
	}
	slots[index] = key
	return nil
}

// OnRatchetKey derives the next-generation key from the currently
// installed key at (p, index) via HKDF-SHA256, per §4.7's ratchet step.
func (kp *Provider) OnRatchetKey(ctx context.Context, p callid.Participant, index int) ([]byte, error) {
	kp.mu.Lock()
	current, ok := kp.installed[p.ID()][index]
	kp.mu.Unlock()
	if !ok {
		return nil, errors.New("keyprovider: no installed key to ratchet from")
	}

	reader := hkdf.New(sha256.New, current[:], nil, ratchetInfo)
	next := make([]byte, len(e2ee.SenderKey{}))
	if _, err := io.ReadFull(reader, next); err != nil {
		return nil, err
	}
	return next, nil
}
