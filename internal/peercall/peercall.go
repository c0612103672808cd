// Package peercall owns the collaborator contracts for a single P2P media
// session (PeerCall / MediaTransport, §6) and the Peer Call Table (C4) that
// tracks one PeerCall per remote participant.
package peercall

import (
	"context"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/eventbus"
)

// State mirrors the lifecycle of one peer-to-peer call leg.
type State int

const (
	StateFledgling State = iota
	StateInviteSent
	StateRinging
	StateCreateAnswer
	StateConnecting
	StateConnected
	StateEnded
)

// Direction records whether this session placed or received the call.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// HangupReason is the enum of reasons a PeerCall can end. Replaced
// suppresses the normal hangup-driven remove path in the Table to avoid a
// feedback loop (§4.3).
type HangupReason int

const (
	HangupUserHangup HangupReason = iota
	HangupReplaced
	HangupUnknownError
	HangupInviteTimeout
	HangupUserMediaFailed
	HangupICEFailed
	HangupUserBusy
)

// String names a HangupReason for telemetry labels (C4).
func (r HangupReason) String() string {
	switch r {
	case HangupUserHangup:
		return "user_hangup"
	case HangupReplaced:
		return "replaced"
	case HangupUnknownError:
		return "unknown_error"
	case HangupInviteTimeout:
		return "invite_timeout"
	case HangupUserMediaFailed:
		return "user_media_failed"
	case HangupICEFailed:
		return "ice_failed"
	case HangupUserBusy:
		return "user_busy"
	default:
		return "unknown"
	}
}

// StatsEntry is a single row of a getStats() report, shaped closely enough
// to the WebRTC statistics dictionary to extract audioLevel (§4.4, §6).
type StatsEntry struct {
	Type   string
	Fields map[string]float64
}

type StatsReport []StatsEntry

// AudioLevel returns the audioLevel field of the first entry of the given
// type that carries one (entries without it are skipped), per §4.4 ("first inbound-rtp audio entry", "first media-source
// audio entry").
func (r StatsReport) AudioLevel(entryType string) (float64, bool) {
	for _, e := range r {
		if e.Type != entryType {
			continue
		}
		if v, ok := e.Fields["audioLevel"]; ok {
			return v, true
		}
	}
	return 0, false
}

// StreamKind distinguishes which of a PeerCall's remote streams changed.
type StreamKind int

const (
	StreamUserMedia StreamKind = iota
	StreamScreenshare
)

// StreamChange is emitted by a PeerCall whenever one of its remote streams
// is added or removed.
type StreamChange struct {
	Kind    StreamKind
	Added   bool
	Purpose int // maps 1:1 to streams.Purpose; kept as int to avoid an import cycle
	Handle  interface{ Stop() }
}

// PeerCall is the external collaborator (§6) representing a single P2P
// media session with one remote participant. Implementations live under
// internal/adapters/mediatransport.
type PeerCall interface {
	CallID() string
	RemoteUserID() string
	RemoteDeviceID() string
	RemoteSessionID() string // the remote's membershipId, for stale-session detection (§4.5 step 3)
	State() State
	Direction() Direction

	PlaceCallWithStreams(ctx context.Context) error
	AnswerWithStreams(ctx context.Context) error
	Hangup(reason HangupReason, shouldEmit bool) error

	AddLocalStream(handle interface{ Stop() }) error
	RemoveLocalStream(handle interface{ Stop() }) error

	SetMicrophoneMuted(muted bool) error
	SetLocalVideoMuted(muted bool) error

	GetStats(ctx context.Context) (StatsReport, error)

	OnState() *eventbus.Bus[State]
	OnReplace() *eventbus.Bus[PeerCall]
	OnStreamsChanged() *eventbus.Bus[StreamChange]
	OnHangup() *eventbus.Bus[HangupReason]
}

// NewCallOptions is the option bag MediaTransport.CreateOutgoingCall takes,
// mirroring §6's "create outgoing call with options" contract.
type NewCallOptions struct {
	CallID         string
	RoomID         string
	Direction      Direction
	LocalPartyID   string
	GroupCallID    string
	ICEServers     []string
	RemoteUserID   string
	RemoteDeviceID string
	RemoteSession  string
}

// MediaTransport is the factory collaborator (§6) that produces PeerCalls
// and updates a call's media device; implementations live under
// internal/adapters/mediatransport.
type MediaTransport interface {
	CreateOutgoingCall(opts NewCallOptions) (PeerCall, error)
	UpdateMediaDeviceForCall(call PeerCall) error
}

// Participant recovers the callid.Participant a PeerCall represents.
func Participant(c PeerCall) callid.Participant {
	return callid.Participant{UserID: c.RemoteUserID(), DeviceID: c.RemoteDeviceID()}
}
