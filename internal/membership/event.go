// Package membership parses the room's call-membership state events and
// projects them into the live participant set of a single group call.
package membership

import (
	"encoding/json"
	"errors"
	"time"
)

// Backend is the tagged variant of §3: either full-mesh or an SFU-relayed
// LiveKit call. The SFU wire protocol itself is out of scope; SFUInfo is
// bookkeeping only.
type Backend struct {
	Kind    BackendKind `json:"type"`
	SFUInfo *SFUInfo    `json:"livekit_service_url,omitempty"`
}

type BackendKind string

const (
	BackendMesh    BackendKind = "mesh"
	BackendLiveKit BackendKind = "livekit"
)

// IsLivekit selects between full-mesh P2P media and signaling-only +
// SFU-relayed media, per §3.
func (b Backend) IsLivekit() bool {
	return b.Kind == BackendLiveKit
}

type SFUInfo struct {
	ServiceURL string `json:"livekit_service_url"`
	JoinToken  string `json:"livekit_alias,omitempty"`
}

// FociActive is a single backend descriptor as carried on the wire inside
// a membership's "foci_active" array (§6). This implementation only checks
// that the array is non-empty; the entries' Type is never read, and the
// backend is taken from the separate "backend" field.
type FociActive struct {
	Type string `json:"type"`
}

// MembershipEntry is the raw JSON shape of one entry in a
// FamedlyCallMemberEvent's "memberships" array (§6), before validation.
type MembershipEntry struct {
	CallID       string       `json:"call_id"`
	DeviceID     string       `json:"device_id"`
	ExpiresTsMs  *int64       `json:"expires_ts"`
	FociActive   []FociActive `json:"foci_active"`
	Application  string       `json:"application"`
	Scope        string       `json:"scope"`
	MembershipID string       `json:"membershipId"`
	Backend      Backend      `json:"backend"`
}

// WireEvent is the decoded shape of a FamedlyCallMemberEvent: a per-user
// state event carrying that user's current memberships across all of their
// devices and calls.
type WireEvent struct {
	UserID         string           `json:"-"`
	OriginServerTS int64            `json:"-"`
	Memberships    []MembershipEntry `json:"memberships"`
}

var (
	// ErrMissingCallID is returned by validate when "call_id" is absent.
	ErrMissingCallID = errors.New("membership: missing call_id")
	// ErrMissingDeviceID is returned by validate when "device_id" is absent.
	ErrMissingDeviceID = errors.New("membership: missing device_id")
	// ErrMissingExpiresTs is returned by validate when "expires_ts" is absent.
	ErrMissingExpiresTs = errors.New("membership: missing expires_ts")
	// ErrMissingFociActive is returned by validate when "foci_active" is empty.
	ErrMissingFociActive = errors.New("membership: missing foci_active")
)

// validate implements the §4.1 fail-open check: a malformed membership
// entry is one missing call_id, device_id, expires_ts or foci_active.
func (m MembershipEntry) validate() error {
	if m.CallID == "" {
		return ErrMissingCallID
	}
	if m.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if m.ExpiresTsMs == nil {
		return ErrMissingExpiresTs
	}
	if len(m.FociActive) == 0 {
		return ErrMissingFociActive
	}
	return nil
}

func (m MembershipEntry) toMembership(userID, roomID string) Membership {
	return Membership{
		UserID:       userID,
		RoomID:       roomID,
		CallID:       m.CallID,
		DeviceID:     m.DeviceID,
		Application:  m.Application,
		Scope:        m.Scope,
		Backend:      m.Backend,
		MembershipID: m.MembershipID,
		ExpiresTsMs:  *m.ExpiresTsMs,
	}
}

// ExpiresTsMsFromNow is a convenience used by the heartbeat (C6) when
// constructing a fresh membership entry.
func ExpiresTsMsFromNow(d time.Duration, now time.Time) int64 {
	return now.Add(d).UnixMilli()
}

// NewEntry constructs a MembershipEntry for the heartbeat's (C6)
// "append a fresh entry" step.
func NewEntry(callID, deviceID string, expiresTsMs int64, backend Backend, application, scope, membershipID, fociType string) MembershipEntry {
	ts := expiresTsMs
	return MembershipEntry{
		CallID:       callID,
		DeviceID:     deviceID,
		ExpiresTsMs:  &ts,
		FociActive:   []FociActive{{Type: fociType}},
		Application:  application,
		Scope:        scope,
		MembershipID: membershipID,
		Backend:      backend,
	}
}

// DecodeWireEvent parses one user's FamedlyCallMemberEvent content into a
// WireEvent, stamping in the userId/origin_server_ts the room service reads
// off the surrounding event envelope (the content body carries neither).
func DecodeWireEvent(raw []byte, userID string, originServerTS int64) (WireEvent, error) {
	var we WireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		return WireEvent{}, err
	}
	we.UserID = userID
	we.OriginServerTS = originServerTS
	return we, nil
}

// DecodeMemberships parses the raw `{"memberships": [...]}` content of a
// FamedlyCallMemberEvent into its entries, for a RoomService adapter to
// read the "current memberships array" step of §4.6.
func DecodeMemberships(raw []byte) ([]MembershipEntry, error) {
	var body struct {
		Memberships []MembershipEntry `json:"memberships"`
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body.Memberships, nil
}

// EncodeMemberships is the inverse of DecodeMemberships, used by a
// RoomService adapter to write the updated array back to room state.
func EncodeMemberships(entries []MembershipEntry) ([]byte, error) {
	return json.Marshal(struct {
		Memberships []MembershipEntry `json:"memberships"`
	}{Memberships: entries})
}

// RemoveDeviceEntry drops every entry matching (callID, deviceID,
// application, scope) belonging to this device — step (b) of §4.6.
func RemoveDeviceEntry(entries []MembershipEntry, callID, deviceID, application, scope string) []MembershipEntry {
	out := make([]MembershipEntry, 0, len(entries))
	for _, e := range entries {
		if e.CallID == callID && e.DeviceID == deviceID && e.Application == application && e.Scope == scope {
			continue
		}
		out = append(out, e)
	}
	return out
}
