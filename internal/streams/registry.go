package streams

import (
	"sync"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/eventbus"
)

// ChangeKind distinguishes the three mutations a Registry can apply to a
// stream set.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeReplaced
	ChangeRemoved
)

// StreamsChanged is published on UserMediaStreamsChanged /
// ScreenshareStreamsChanged whenever the corresponding slice mutates.
type StreamsChanged struct {
	Streams []WrappedStream
}

// StreamEvent is published on StreamAdded / StreamRemoved for individual,
// non-purely-local mutations (local additions are surfaced through the
// local-stream getters instead, per §4.2).
type StreamEvent struct {
	Kind   ChangeKind
	Stream WrappedStream
}

// Registry is the Stream Registry (C3): it holds userMediaStreams and
// screenshareStreams as ordered sequences indexed by participant canonical
// id.
type Registry struct {
	mu sync.Mutex

	userMedia    []*stoppable
	screenshare  []*stoppable

	UserMediaStreamsChanged    *eventbus.Bus[StreamsChanged]
	ScreenshareStreamsChanged  *eventbus.Bus[StreamsChanged]
	StreamAdded                *eventbus.Bus[StreamEvent]
	StreamRemoved              *eventbus.Bus[StreamEvent]
}

// NewRegistry constructs an empty Stream Registry.
func NewRegistry() *Registry {
	return &Registry{
		UserMediaStreamsChanged:   eventbus.New[StreamsChanged](),
		ScreenshareStreamsChanged: eventbus.New[StreamsChanged](),
		StreamAdded:               eventbus.New[StreamEvent](),
		StreamRemoved:             eventbus.New[StreamEvent](),
	}
}

func (r *Registry) slice(p Purpose) *[]*stoppable {
	if p == PurposeScreenshare {
		return &r.screenshare
	}
	return &r.userMedia
}

func (r *Registry) changedBus(p Purpose) *eventbus.Bus[StreamsChanged] {
	if p == PurposeScreenshare {
		return r.ScreenshareStreamsChanged
	}
	return r.UserMediaStreamsChanged
}

func snapshot(entries []*stoppable) []WrappedStream {
	out := make([]WrappedStream, len(entries))
	for i, e := range entries {
		out[i] = e.stream
	}
	return out
}

// Add appends a new stream for its participant. Purely local additions do
// not fire StreamAdded (they are surfaced through the local-stream getters
// instead); remote additions do.
func (r *Registry) Add(s WrappedStream) {
	r.mu.Lock()
	slicePtr := r.slice(s.Purpose)
	*slicePtr = append(*slicePtr, &stoppable{stream: s})
	changed := r.changedBus(s.Purpose)
	snap := snapshot(*slicePtr)
	r.mu.Unlock()

	changed.Publish(StreamsChanged{Streams: snap})
	if !s.Local {
		r.StreamAdded.Publish(StreamEvent{Kind: ChangeAdded, Stream: s})
	}
}

// Replace swaps the stream belonging to s.Participant (matched by canonical
// participant id) within the given purpose's slice. If no existing stream
// matches, it behaves like Add.
func (r *Registry) Replace(s WrappedStream) {
	r.mu.Lock()
	slicePtr := r.slice(s.Purpose)
	found := false
	for i, e := range *slicePtr {
		if e.stream.Participant.ID() == s.Participant.ID() {
			(*slicePtr)[i] = &stoppable{stream: s}
			found = true
			break
		}
	}
	if !found {
		*slicePtr = append(*slicePtr, &stoppable{stream: s})
	}
	changed := r.changedBus(s.Purpose)
	snap := snapshot(*slicePtr)
	r.mu.Unlock()

	changed.Publish(StreamsChanged{Streams: snap})
}

// Remove drops the stream belonging to participant p from the given
// purpose's slice, stopping the underlying media handle only if the stream
// is local (I4: a local stream is stopped exactly once). Remove is
// idempotent.
func (r *Registry) Remove(p callid.Participant, purpose Purpose) {
	r.mu.Lock()
	slicePtr := r.slice(purpose)
	idx := -1
	for i, e := range *slicePtr {
		if e.stream.Participant.ID() == p.ID() {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return
	}

	entry := (*slicePtr)[idx]
	removedStream := entry.stream
	*slicePtr = append((*slicePtr)[:idx], (*slicePtr)[idx+1:]...)
	changed := r.changedBus(purpose)
	snap := snapshot(*slicePtr)

	shouldStop := removedStream.Local && !entry.stopped && removedStream.Handle != nil
	if shouldStop {
		entry.stopped = true
	}
	r.mu.Unlock()

	if shouldStop {
		removedStream.Handle.Stop()
	}

	changed.Publish(StreamsChanged{Streams: snap})
	if !removedStream.Local {
		r.StreamRemoved.Publish(StreamEvent{Kind: ChangeRemoved, Stream: removedStream})
	}
}

// UserMediaStreams returns a snapshot of the current user-media streams.
func (r *Registry) UserMediaStreams() []WrappedStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.userMedia)
}

// ScreenshareStreams returns a snapshot of the current screenshare streams.
func (r *Registry) ScreenshareStreams() []WrappedStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.screenshare)
}

// LocalUserMediaStream returns this session's own user-media stream, if any.
func (r *Registry) LocalUserMediaStream() (WrappedStream, bool) {
	return r.findLocal(r.userMedia)
}

// LocalScreenshareStream returns this session's own screenshare stream, if
// any.
func (r *Registry) LocalScreenshareStream() (WrappedStream, bool) {
	return r.findLocal(r.screenshare)
}

func (r *Registry) findLocal(entries []*stoppable) (WrappedStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.stream.Local {
			return e.stream, true
		}
	}
	return WrappedStream{}, false
}

// RemoveScreenshare removes the screenshare stream matching existing's
// participant id. Per SPEC_FULL.md §9 (Open Question (d)), the match key is
// existing's participant id, not a comparison of a stream to itself.
func (r *Registry) RemoveScreenshare(existing WrappedStream) {
	r.Remove(existing.Participant, PurposeScreenshare)
}
