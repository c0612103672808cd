// Package streams tracks local and remote user-media and screenshare
// streams keyed by participant, and emits add/replace/remove events (C3).
package streams

import "github.com/famedly/groupcall/internal/callid"

// Purpose distinguishes a camera/microphone stream from a screen share.
type Purpose int

const (
	PurposeUserMedia Purpose = iota
	PurposeScreenshare
)

// MediaHandle is the underlying media resource a WrappedStream wraps. It is
// supplied by the caller (the local media device layer, or a peer call's
// remote track); the core only needs to be able to stop it.
type MediaHandle interface {
	Stop()
}

// WrappedStream is a single local or remote media stream, per §3. A local
// stream is owned by the session that created it; a remote stream is owned
// by the peer call that produced it and merely referenced here.
type WrappedStream struct {
	Participant callid.Participant
	Purpose     Purpose
	AudioMuted  bool
	VideoMuted  bool
	Local       bool
	Handle      MediaHandle
}

// stopped tracks whether Stop has already run, enforcing I4 ("a local
// stream is stopped exactly once").
type stoppable struct {
	stream  WrappedStream
	stopped bool
}
