package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMembershipsRoundTrip(t *testing.T) {
	entries := []MembershipEntry{
		NewEntry("call1", "DEVICE1", 1000, Backend{Kind: BackendMesh}, "m.call", "m.room", "mid1", "livekit"),
	}

	raw, err := EncodeMemberships(entries)
	require.NoError(t, err)

	decoded, err := DecodeMemberships(raw)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "call1", decoded[0].CallID)
	assert.Equal(t, "DEVICE1", decoded[0].DeviceID)
	assert.Equal(t, int64(1000), *decoded[0].ExpiresTsMs)
}

func TestRemoveDeviceEntryDropsMatchingOnly(t *testing.T) {
	entries := []MembershipEntry{
		NewEntry("call1", "DEVICE1", 1000, Backend{Kind: BackendMesh}, "m.call", "m.room", "mid1", "livekit"),
		NewEntry("call1", "DEVICE2", 1000, Backend{Kind: BackendMesh}, "m.call", "m.room", "mid2", "livekit"),
	}

	out := RemoveDeviceEntry(entries, "call1", "DEVICE1", "m.call", "m.room")
	assert.Len(t, out, 1)
	assert.Equal(t, "DEVICE2", out[0].DeviceID)
}

func TestDecodeMembershipsEmptyRaw(t *testing.T) {
	decoded, err := DecodeMemberships(nil)
	assert.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodeWireEventStampsEnvelopeFields(t *testing.T) {
	raw, err := EncodeMemberships([]MembershipEntry{
		NewEntry("call1", "DEVICE1", 1000, Backend{Kind: BackendMesh}, "m.call", "m.room", "mid1", "livekit"),
	})
	require.NoError(t, err)

	we, err := DecodeWireEvent(raw, "@alice:example.org", 42)
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", we.UserID)
	assert.Equal(t, int64(42), we.OriginServerTS)
	assert.Len(t, we.Memberships, 1)
}
