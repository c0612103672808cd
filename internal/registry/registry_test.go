package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/famedly/groupcall/internal/callid"
)

func TestRegisterGetUnregister(t *testing.T) {
	r := New[string]()
	id := callid.VoipID{RoomID: "!room:example.org", CallID: "call1"}

	assert.False(t, r.Has(id))

	r.Register(id, "session-handle")
	v, ok := r.Get(id)
	assert.True(t, ok)
	assert.Equal(t, "session-handle", v)
	assert.True(t, r.Has(id))
	assert.Equal(t, 1, r.Len())

	r.Unregister(id)
	assert.False(t, r.Has(id))
	assert.Equal(t, 0, r.Len())

	// Idempotent.
	r.Unregister(id)
}

func TestAllReturnsSnapshot(t *testing.T) {
	r := New[int]()
	r.Register(callid.VoipID{RoomID: "r", CallID: "a"}, 1)
	r.Register(callid.VoipID{RoomID: "r", CallID: "b"}, 2)

	all := r.All()
	assert.Len(t, all, 2)
	assert.Contains(t, all, 1)
	assert.Contains(t, all, 2)
}
