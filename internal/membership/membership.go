package membership

import "time"

// Membership is the local decoding of one entry in a FamedlyCallMemberEvent,
// per §3.
type Membership struct {
	UserID       string
	RoomID       string
	CallID       string
	DeviceID     string
	Application  string
	Scope        string
	Backend      Backend
	MembershipID string
	ExpiresTsMs  int64
}

// IsExpired is true iff ExpiresTsMs <= now, per §3.
func (m Membership) IsExpired(now time.Time) bool {
	return m.ExpiresTsMs <= now.UnixMilli()
}

// Matches reports whether this membership belongs to the given group call:
// same callId, application, scope and room, per §4.1 step 1.
func (m Membership) Matches(roomID, callID, application, scope string) bool {
	return m.RoomID == roomID &&
		m.CallID == callID &&
		m.Application == application &&
		m.Scope == scope
}
