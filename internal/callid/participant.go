package callid

// Participant identifies a single (user, device) pair taking part in a
// group call. DeviceID is optional; its absence is represented as "".
type Participant struct {
	UserID   string
	DeviceID string
}

// ID is the canonical string identity used for map keys, equality and the
// tie-break ordering of I5: userId + deviceId, with an empty string standing
// in for an absent device id.
func (p Participant) ID() string {
	return p.UserID + p.DeviceID
}

// Less implements the total order over canonical ids that §3 mandates as
// the tie-break rule for mesh call initiation (I5): the lexicographically
// smaller participant initiates.
func (p Participant) Less(other Participant) bool {
	return p.ID() < other.ID()
}
