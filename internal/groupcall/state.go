// Package groupcall implements the Mesh Signaling State Machine (C5) and
// the Membership Heartbeat (C6): GroupCallSession is the per-room-and-call
// orchestrator that reconciles the Membership View against the Peer Call
// Table, drives local media and E2EE key rotation, and republishes
// lifecycle/participant events on the Event Bus.
package groupcall

import "github.com/famedly/groupcall/internal/callid"

// State is the GroupCallState enum of §3.
type State int

const (
	StateLocalFeedUninitialized State = iota
	StateInitializingLocalFeed
	StateLocalFeedInitialized
	StateEntered
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateLocalFeedUninitialized:
		return "LocalFeedUninitialized"
	case StateInitializingLocalFeed:
		return "InitializingLocalFeed"
	case StateLocalFeedInitialized:
		return "LocalFeedInitialized"
	case StateEntered:
		return "Entered"
	case StateEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// GroupCallEvent is the coarse lifecycle enum published on
// onGroupCallEvent (C9).
type GroupCallEvent int

const (
	EventEntered GroupCallEvent = iota
	EventLeft
	EventParticipantsChanged
	EventError
)

// ParticipantsChangedEvent carries the joined/left deltas and the
// resulting current set from one reconciliation pass (§4.5 step 7).
type ParticipantsChangedEvent struct {
	Joined  []callid.Participant
	Left    []callid.Participant
	Current []callid.Participant
}
