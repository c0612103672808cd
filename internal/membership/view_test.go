package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ts(ms int64) *int64 { return &ms }

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestViewFiltersExpiredAndMismatched(t *testing.T) {
	now := time.UnixMilli(10_000)
	v := NewView("!room:srv", "call1", "m.call", "m.room", fixedClock(now))

	v.Update([]WireEvent{
		{
			UserID:         "@alice:srv",
			OriginServerTS: 1,
			Memberships: []MembershipEntry{
				{CallID: "call1", DeviceID: "dev1", ExpiresTsMs: ts(20_000), FociActive: []FociActive{{Type: "livekit"}}, Application: "m.call", Scope: "m.room"},
				{CallID: "call1", DeviceID: "dev2", ExpiresTsMs: ts(1_000), FociActive: []FociActive{{Type: "livekit"}}, Application: "m.call", Scope: "m.room"}, // expired
				{CallID: "call2", DeviceID: "dev3", ExpiresTsMs: ts(20_000), FociActive: []FociActive{{Type: "livekit"}}, Application: "m.call", Scope: "m.room"}, // other call
			},
		},
	})

	current := v.Current()
	assert.Len(t, current, 1)
	assert.Equal(t, "dev1", current[0].DeviceID)
}

func TestViewDropsMalformedMembership(t *testing.T) {
	now := time.UnixMilli(10_000)
	v := NewView("!room:srv", "call1", "m.call", "m.room", fixedClock(now))

	v.Update([]WireEvent{
		{
			UserID:         "@bob:srv",
			OriginServerTS: 1,
			Memberships: []MembershipEntry{
				{CallID: "", DeviceID: "dev1", ExpiresTsMs: ts(20_000), FociActive: []FociActive{{Type: "mesh"}}},
				{CallID: "call1", DeviceID: "dev1", ExpiresTsMs: ts(20_000), FociActive: nil, Application: "m.call", Scope: "m.room"},
			},
		},
	})

	assert.Empty(t, v.Current())
}

func TestViewSortsByOriginServerTS(t *testing.T) {
	now := time.UnixMilli(10_000)
	v := NewView("!room:srv", "call1", "m.call", "m.room", fixedClock(now))

	v.Update([]WireEvent{
		{UserID: "@b:srv", OriginServerTS: 5, Memberships: []MembershipEntry{
			{CallID: "call1", DeviceID: "dev-b", ExpiresTsMs: ts(20_000), FociActive: []FociActive{{Type: "mesh"}}, Application: "m.call", Scope: "m.room"},
		}},
		{UserID: "@a:srv", OriginServerTS: 1, Memberships: []MembershipEntry{
			{CallID: "call1", DeviceID: "dev-a", ExpiresTsMs: ts(20_000), FociActive: []FociActive{{Type: "mesh"}}, Application: "m.call", Scope: "m.room"},
		}},
	})

	current := v.Current()
	assert.Len(t, current, 2)
	assert.Equal(t, "dev-a", current[0].DeviceID)
	assert.Equal(t, "dev-b", current[1].DeviceID)
}

func TestParticipantsDedup(t *testing.T) {
	now := time.UnixMilli(10_000)
	v := NewView("!room:srv", "call1", "m.call", "m.room", fixedClock(now))
	v.Update([]WireEvent{
		{UserID: "@a:srv", OriginServerTS: 1, Memberships: []MembershipEntry{
			{CallID: "call1", DeviceID: "dev1", ExpiresTsMs: ts(20_000), FociActive: []FociActive{{Type: "mesh"}}, Application: "m.call", Scope: "m.room"},
		}},
	})

	participants := v.Participants()
	assert.Len(t, participants, 1)
	assert.Equal(t, "@a:srv", participants[0].UserID)
}

func TestActiveGroupCallIDsAndParticipantCount(t *testing.T) {
	now := time.UnixMilli(10_000)
	v := NewView("!room:srv", "call1", "m.call", "m.room", fixedClock(now))
	v.Update([]WireEvent{
		{UserID: "@a:srv", OriginServerTS: 1, Memberships: []MembershipEntry{
			{CallID: "call1", DeviceID: "dev1", ExpiresTsMs: ts(20_000), FociActive: []FociActive{{Type: "mesh"}}, Application: "m.call", Scope: "m.room"},
			{CallID: "call2", DeviceID: "dev2", ExpiresTsMs: ts(20_000), FociActive: []FociActive{{Type: "mesh"}}, Application: "m.call", Scope: "m.room"},
		}},
	})

	ids := v.ActiveGroupCallIDs()
	assert.ElementsMatch(t, []string{"call1", "call2"}, ids)
	assert.Equal(t, 1, v.ParticipantCount("call1"))
	assert.Equal(t, 0, v.ParticipantCount("nonexistent"))
}
