package mediatransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/famedly/groupcall/internal/eventbus"
	"github.com/famedly/groupcall/internal/peercall"
)

// signalKind tags the payload carried on a Call's signaling subject.
type signalKind string

const (
	signalOffer      signalKind = "offer"
	signalAnswer     signalKind = "answer"
	signalCandidate  signalKind = "candidate"
	signalHangup     signalKind = "hangup"
)

type signalFrame struct {
	Kind         signalKind                 `json:"kind"`
	CallID       string                     `json:"call_id"`
	SDP          *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	HangupReason peercall.HangupReason      `json:"hangup_reason"`

	// RoomID/GroupCallID/SenderUserID/SenderDeviceID are only populated on
	// signalOffer: a receiver with no existing Call for CallID needs them
	// to materialize a fresh incoming Call and route it to the right
	// GroupCallSession (§4.5's onIncomingCall).
	RoomID         string `json:"room_id,omitempty"`
	GroupCallID    string `json:"group_call_id,omitempty"`
	SenderUserID   string `json:"sender_user_id,omitempty"`
	SenderDeviceID string `json:"sender_device_id,omitempty"`
}

// IncomingCall is published on Transport.OnIncomingCall whenever listen()
// sees a signalOffer for a CallID it does not already track, i.e. a
// genuinely new inbound call (§4.5).
type IncomingCall struct {
	Call        peercall.PeerCall
	GroupCallID string
	RoomID      string
}

func signalSubject(userID, deviceID string) string {
	return fmt.Sprintf("groupcall.signaling.%s.%s", userID, deviceID)
}

// Transport is the pion/webrtc-backed peercall.MediaTransport. Signaling
// (SDP offer/answer, trickled ICE candidates) travels over NATS subjects
// addressed the same way internal/adapters/devicemessenger addresses
// to-device E2EE traffic.
type Transport struct {
	nc  *nats.Conn
	cfg *WebRTCConfig
	api *webrtc.API

	localUserID   string
	localDeviceID string

	mu    sync.Mutex
	calls map[string]*Call // keyed by CallID

	incomingCalls *eventbus.Bus[IncomingCall]
}

// New constructs a Transport bound to a local (userID, deviceID) identity
// for an already-connected NATS conn and a prepared WebRTCConfig.
func New(nc *nats.Conn, cfg *WebRTCConfig, localUserID, localDeviceID string) *Transport {
	api := webrtc.NewAPI(webrtc.WithMediaEngine(cfg.MediaEngine), webrtc.WithSettingEngine(cfg.SettingEngine))
	t := &Transport{
		nc:            nc,
		cfg:           cfg,
		api:           api,
		localUserID:   localUserID,
		localDeviceID: localDeviceID,
		calls:         make(map[string]*Call),
		incomingCalls: eventbus.New[IncomingCall](),
	}
	t.listen()
	return t
}

// OnIncomingCall is the global incoming-call stream §4.5 says enter()
// subscribes to: every genuinely new inbound offer this Transport sees,
// regardless of which GroupCallSession it belongs to.
func (t *Transport) OnIncomingCall() *eventbus.Bus[IncomingCall] {
	return t.incomingCalls
}

func (t *Transport) listen() {
	_, err := t.nc.Subscribe(signalSubject(t.localUserID, t.localDeviceID), func(msg *nats.Msg) {
		var frame signalFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Error().Err(err).Str("component", "mediatransport").Msg("decode signal frame failed")
			return
		}
		t.mu.Lock()
		call := t.calls[frame.CallID]
		t.mu.Unlock()
		if call == nil {
			if frame.Kind == signalOffer {
				t.handleInboundOffer(frame)
			}
			return
		}
		call.handleSignal(frame)
	})
	if err != nil {
		log.Error().Err(err).Str("component", "mediatransport").Msg("subscribe to signaling subject failed")
	}
}

// handleInboundOffer materializes a fresh incoming Call for a signalOffer
// whose CallID this Transport has never seen, and surfaces it on
// OnIncomingCall for whichever GroupCallSession owns frame.GroupCallID to
// pick up (§4.5's onIncomingCall).
func (t *Transport) handleInboundOffer(frame signalFrame) {
	if frame.SDP == nil || frame.SenderUserID == "" || frame.SenderDeviceID == "" {
		log.Warn().Str("component", "mediatransport").Str("call_id", frame.CallID).
			Msg("dropping inbound offer missing routing fields")
		return
	}

	pc, err := t.api.NewPeerConnection(t.peerConnectionConfig(nil))
	if err != nil {
		log.Error().Err(err).Str("component", "mediatransport").Msg("create inbound peer connection failed")
		return
	}

	call := newCall(t, pc, peercall.NewCallOptions{
		CallID:         frame.CallID,
		RoomID:         frame.RoomID,
		Direction:      peercall.DirectionIncoming,
		LocalPartyID:   t.localDeviceID,
		GroupCallID:    frame.GroupCallID,
		RemoteUserID:   frame.SenderUserID,
		RemoteDeviceID: frame.SenderDeviceID,
	})
	t.register(call)
	call.handleSignal(frame)

	t.incomingCalls.Publish(IncomingCall{Call: call, GroupCallID: frame.GroupCallID, RoomID: frame.RoomID})
}

// CreateOutgoingCall builds a fresh PeerConnection and registers it for
// inbound signaling frames, ready for PlaceCallWithStreams.
func (t *Transport) CreateOutgoingCall(opts peercall.NewCallOptions) (peercall.PeerCall, error) {
	pc, err := t.api.NewPeerConnection(t.peerConnectionConfig(opts.ICEServers))
	if err != nil {
		return nil, err
	}

	call := newCall(t, pc, opts)
	t.register(call)
	return call, nil
}

// UpdateMediaDeviceForCall is a no-op reference implementation: this
// transport does not enumerate local hardware devices, since local media
// acquisition is the LocalMediaProvider collaborator's job, not the peer
// call's (§6).
func (t *Transport) UpdateMediaDeviceForCall(call peercall.PeerCall) error {
	return nil
}

func (t *Transport) peerConnectionConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		return t.cfg.Configuration
	}
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, url := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

func (t *Transport) register(c *Call) {
	t.mu.Lock()
	t.calls[c.callID] = c
	t.mu.Unlock()
}

func (t *Transport) unregister(callID string) {
	t.mu.Lock()
	delete(t.calls, callID)
	t.mu.Unlock()
}

func (t *Transport) publish(remoteUserID, remoteDeviceID string, frame signalFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return t.nc.Publish(signalSubject(remoteUserID, remoteDeviceID), payload)
}

// Call is the pion/webrtc-backed peercall.PeerCall.
type Call struct {
	transport *Transport
	pc        *webrtc.PeerConnection

	callID         string
	roomID         string
	groupCallID    string
	localPartyID   string
	remoteUserID   string
	remoteDeviceID string
	remoteSession  string
	direction      peercall.Direction

	state atomic.Int32 // peercall.State

	mu       sync.Mutex
	senders  map[interface{ Stop() }]*webrtc.RTPSender

	onState           *eventbus.Bus[peercall.State]
	onReplace         *eventbus.Bus[peercall.PeerCall]
	onStreamsChanged  *eventbus.Bus[peercall.StreamChange]
	onHangup          *eventbus.Bus[peercall.HangupReason]
}

func newCall(t *Transport, pc *webrtc.PeerConnection, opts peercall.NewCallOptions) *Call {
	c := &Call{
		transport:      t,
		pc:             pc,
		callID:         opts.CallID,
		roomID:         opts.RoomID,
		groupCallID:    opts.GroupCallID,
		localPartyID:   opts.LocalPartyID,
		remoteUserID:   opts.RemoteUserID,
		remoteDeviceID: opts.RemoteDeviceID,
		remoteSession:  opts.RemoteSession,
		direction:      opts.Direction,
		senders:        make(map[interface{ Stop() }]*webrtc.RTPSender),

		onState:          eventbus.New[peercall.State](),
		onReplace:        eventbus.New[peercall.PeerCall](),
		onStreamsChanged: eventbus.New[peercall.StreamChange](),
		onHangup:         eventbus.New[peercall.HangupReason](),
	}
	c.setState(peercall.StateFledgling)

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := t.publish(c.remoteUserID, c.remoteDeviceID, signalFrame{Kind: signalCandidate, CallID: c.callID, Candidate: &init}); err != nil {
			log.Error().Err(err).Str("component", "mediatransport").Msg("publish ICE candidate failed")
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.setState(peercall.StateConnected)
		case webrtc.PeerConnectionStateFailed:
			c.setState(peercall.StateEnded)
			c.onHangup.Publish(peercall.HangupICEFailed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		purpose := 0 // streams.PurposeUserMedia; mediatransport does not import internal/streams to avoid a cycle
		c.onStreamsChanged.Publish(peercall.StreamChange{
			Kind:    peercall.StreamUserMedia,
			Added:   true,
			Purpose: purpose,
			Handle:  trackHandle{track: track},
		})
	})

	return c
}

func (c *Call) setState(s peercall.State) {
	c.state.Store(int32(s))
	c.onState.Publish(s)
}

func (c *Call) CallID() string           { return c.callID }
func (c *Call) RemoteUserID() string     { return c.remoteUserID }
func (c *Call) RemoteDeviceID() string   { return c.remoteDeviceID }
func (c *Call) RemoteSessionID() string  { return c.remoteSession }
func (c *Call) State() peercall.State    { return peercall.State(c.state.Load()) }
func (c *Call) Direction() peercall.Direction { return c.direction }

func (c *Call) OnState() *eventbus.Bus[peercall.State]                  { return c.onState }
func (c *Call) OnReplace() *eventbus.Bus[peercall.PeerCall]             { return c.onReplace }
func (c *Call) OnStreamsChanged() *eventbus.Bus[peercall.StreamChange]  { return c.onStreamsChanged }
func (c *Call) OnHangup() *eventbus.Bus[peercall.HangupReason]          { return c.onHangup }

// PlaceCallWithStreams creates and sends an offer, per §4.3's place-call
// step; local streams should already be attached via AddLocalStream.
func (c *Call) PlaceCallWithStreams(ctx context.Context) error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	c.setState(peercall.StateInviteSent)
	return c.transport.publish(c.remoteUserID, c.remoteDeviceID, signalFrame{
		Kind:           signalOffer,
		CallID:         c.callID,
		SDP:            c.pc.LocalDescription(),
		RoomID:         c.roomID,
		GroupCallID:    c.groupCallID,
		SenderUserID:   c.transport.localUserID,
		SenderDeviceID: c.transport.localDeviceID,
	})
}

// AnswerWithStreams creates and sends an answer against the pending remote
// offer, per §4.3/§4.5's incoming-call answer step.
func (c *Call) AnswerWithStreams(ctx context.Context) error {
	c.setState(peercall.StateCreateAnswer)
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	c.setState(peercall.StateConnecting)
	return c.transport.publish(c.remoteUserID, c.remoteDeviceID, signalFrame{Kind: signalAnswer, CallID: c.callID, SDP: c.pc.LocalDescription()})
}

// Hangup closes the underlying peer connection, deregisters the call from
// the owning Transport, and optionally notifies the remote side and local
// observers.
func (c *Call) Hangup(reason peercall.HangupReason, shouldEmit bool) error {
	c.transport.unregister(c.callID)
	c.setState(peercall.StateEnded)

	if shouldEmit {
		if err := c.transport.publish(c.remoteUserID, c.remoteDeviceID, signalFrame{Kind: signalHangup, CallID: c.callID, HangupReason: reason}); err != nil {
			log.Error().Err(err).Str("component", "mediatransport").Msg("publish hangup failed")
		}
		c.onHangup.Publish(reason)
	}
	return c.pc.Close()
}

// AddLocalStream adds handle's underlying track as an outgoing RTP sender.
// handle is expected to additionally implement rtpTrack (the
// LocalMediaProvider adapter's concrete stream type); handles that don't
// are bookkept but not transmitted, since this reference transport has no
// other way to obtain RTP samples from an opaque Stop()-only handle.
func (c *Call) AddLocalStream(handle interface{ Stop() }) error {
	track, ok := handle.(rtpTrack)
	if !ok {
		return nil
	}
	sender, err := c.pc.AddTrack(track.LocalTrack())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.senders[handle] = sender
	c.mu.Unlock()

	go c.drainRTCP(sender)
	return nil
}

// drainRTCP reads and discards RTCP packets off sender until it closes.
// pion requires every RTPSender's RTCP reader be drained or its buffer
// fills and blocks the writer; NACK packets are logged since they are the
// signal a real implementation would use to decide on a retransmit or a
// forced keyframe.
func (c *Call) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			if _, ok := pkt.(*rtcp.TransportLayerNack); ok {
				log.Debug().Str("component", "mediatransport").Str("call_id", c.callID).Msg("received NACK")
			}
		}
	}
}

// RemoveLocalStream removes the RTP sender previously added for handle, if
// any.
func (c *Call) RemoveLocalStream(handle interface{ Stop() }) error {
	c.mu.Lock()
	sender, ok := c.senders[handle]
	delete(c.senders, handle)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.pc.RemoveTrack(sender)
}

// SetMicrophoneMuted and SetLocalVideoMuted are no-ops at the transport
// level: muting is a property of the local media handle itself (§4.2);
// the transport keeps sending silence/black frames exactly as the handle
// produces them.
func (c *Call) SetMicrophoneMuted(muted bool) error  { return nil }
func (c *Call) SetLocalVideoMuted(muted bool) error  { return nil }

// GetStats returns an empty report; this reference implementation does not
// query pion's stats getter, so no audioLevel entries are ever reported.
func (c *Call) GetStats(ctx context.Context) (peercall.StatsReport, error) {
	return peercall.StatsReport{}, nil
}

func (c *Call) handleSignal(frame signalFrame) {
	switch frame.Kind {
	case signalOffer:
		if frame.SDP == nil {
			return
		}
		if s := c.State(); s == peercall.StateConnecting || s == peercall.StateConnected {
			c.replaceWithFreshOffer(frame)
			return
		}
		if err := c.pc.SetRemoteDescription(*frame.SDP); err != nil {
			log.Error().Err(err).Str("component", "mediatransport").Msg("set remote offer failed")
			return
		}
		c.setState(peercall.StateRinging)
	case signalAnswer:
		if frame.SDP == nil {
			return
		}
		if err := c.pc.SetRemoteDescription(*frame.SDP); err != nil {
			log.Error().Err(err).Str("component", "mediatransport").Msg("set remote answer failed")
			return
		}
		c.setState(peercall.StateConnecting)
	case signalCandidate:
		if frame.Candidate == nil {
			return
		}
		if err := c.pc.AddICECandidate(*frame.Candidate); err != nil {
			log.Error().Err(err).Str("component", "mediatransport").Msg("add remote ICE candidate failed")
		}
	case signalHangup:
		_ = c.Hangup(frame.HangupReason, false)
	}
}

// replaceWithFreshOffer handles glare: a second offer arriving for a call
// already past negotiation means the remote restarted its side, and this
// reference adapter has no safe way to apply a second offer to the same
// RTCPeerConnection. It builds a fresh PeerConnection/Call for the offer
// and publishes it on OnReplace so the owning peercall.Table swaps it in
// for the stale entry (§4.3).
func (c *Call) replaceWithFreshOffer(frame signalFrame) {
	pc, err := c.transport.api.NewPeerConnection(c.transport.peerConnectionConfig(nil))
	if err != nil {
		log.Error().Err(err).Str("component", "mediatransport").Msg("create replacement peer connection failed")
		return
	}

	replacement := newCall(c.transport, pc, peercall.NewCallOptions{
		CallID:         c.callID,
		RoomID:         c.roomID,
		Direction:      peercall.DirectionIncoming,
		LocalPartyID:   c.localPartyID,
		GroupCallID:    c.groupCallID,
		RemoteUserID:   c.remoteUserID,
		RemoteDeviceID: c.remoteDeviceID,
		RemoteSession:  c.remoteSession,
	})
	c.transport.register(replacement)
	replacement.handleSignal(frame)

	c.onReplace.Publish(replacement)
}

// rtpTrack is implemented by a LocalMediaProvider adapter's concrete
// stream handle when it can supply a real local RTP track; the core's
// MediaHandle interface intentionally stays narrower (Stop/mute only).
type rtpTrack interface {
	LocalTrack() webrtc.TrackLocal
}

// trackHandle wraps a TrackRemote as a streams.MediaHandle-compatible
// Stop()-only handle for a just-arrived remote track.
type trackHandle struct {
	track *webrtc.TrackRemote
}

func (h trackHandle) Stop() {}
