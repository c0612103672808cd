package groupcall

import "errors"

// Error kinds per §7. MalformedEvent and TransientSendFailure are raised by
// internal/membership and internal/e2ee respectively, at the layer that
// actually validates or sends.
var (
	// ErrPreconditionViolation is returned when a public method is called
	// in a state that does not permit it (e.g. enter() while Entered); no
	// state mutation occurs.
	ErrPreconditionViolation = errors.New("groupcall: precondition violated for current state")
	// ErrMediaAcquisitionFailed wraps a local media acquisition failure;
	// the session returns to StateLocalFeedUninitialized before this is
	// returned to the caller.
	ErrMediaAcquisitionFailed = errors.New("groupcall: local media acquisition failed")
	// ErrScreenshareFailed is surfaced by SetScreensharingEnabled without
	// any state change.
	ErrScreenshareFailed = errors.New("groupcall: screenshare acquisition failed")
	// ErrPeerCallMissing mirrors peercall.ErrNotFound at this layer for
	// callers that only depend on internal/groupcall.
	ErrPeerCallMissing = errors.New("groupcall: peer call missing")
	// ErrStaleSession is returned when an incoming call's groupCallId does
	// not match this session's.
	ErrStaleSession = errors.New("groupcall: incoming call targets a different group call")
)
