// Package mediatransport implements peercall.PeerCall/MediaTransport over
// a real pion/webrtc.PeerConnection, grounded in the teacher's
// internal/rtc.Participant (per-peer transport, ICE/track wiring) and
// internal/sfu.Session (peer connection configuration). SDP offers/answers
// and trickled ICE candidates are carried over NATS subjects, following
// the same per-device addressing internal/adapters/devicemessenger uses
// for to-device E2EE traffic.
package mediatransport

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// frameMarking mirrors the teacher's RTP header extension URI for frame
// marking, absorbed here from the displaced internal/config.WebRTCConfig
// (see DESIGN.md).
const frameMarking = "urn:ietf:params:rtp-hdrext:framemarking"

// CodecSpec names one codec this transport is willing to negotiate, mirroring
// the teacher's internal/config.CodecSpec.
type CodecSpec struct {
	Mime     string
	FmtpLine string
}

// Config is the mediatransport-owned counterpart of the teacher's
// internal/config.Config: ICE port range plus the enabled codec set.
type Config struct {
	ICEPortRangeStart uint16
	ICEPortRangeEnd   uint16
	EnabledCodecs     []CodecSpec
	ICEServers        []string
}

// DefaultConfig mirrors the teacher's NewConfig defaults: VP8+Opus, and an
// ephemeral-range-sized ICE UDP port window.
func DefaultConfig() Config {
	return Config{
		ICEPortRangeStart: 50000,
		ICEPortRangeEnd:   50100,
		EnabledCodecs: []CodecSpec{
			{Mime: webrtc.MimeTypeVP8},
			{Mime: webrtc.MimeTypeOpus},
		},
	}
}

// WebRTCConfig bundles everything needed to build a webrtc.API: the
// negotiated ICE server set, a SettingEngine with the UDP port range
// fixed, and the registered RTP header extensions / codec RTCP feedback
// types, the same split the teacher's internal/config.NewWebRTCConfig made.
type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
	MediaEngine   *webrtc.MediaEngine
}

// NewWebRTCConfig builds a WebRTCConfig from cfg: registers the enabled
// codecs with their RTCP feedback types (REMB, TransportCC, CCM FIR, NACK,
// NACK PLI), the same four RTP header extensions the teacher's displaced
// config enabled (SDES mid, SDES RTP stream id, audio level, transport-cc),
// plus frame marking, and fixes the ICE UDP ephemeral port range.
func NewWebRTCConfig(cfg Config) (*WebRTCConfig, error) {
	me := &webrtc.MediaEngine{}

	feedback := []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBGoogREMB},
		{Type: webrtc.TypeRTCPFBTransportCC},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	}

	for _, codec := range cfg.EnabledCodecs {
		kind := webrtc.RTPCodecTypeVideo
		if codec.Mime == webrtc.MimeTypeOpus {
			kind = webrtc.RTPCodecTypeAudio
		}
		err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    codec.Mime,
				SDPFmtpLine: codec.FmtpLine,
				RTCPFeedback: feedback,
			},
			PayloadType: 0,
		}, kind)
		if err != nil {
			return nil, fmt.Errorf("mediatransport: register codec %s: %w", codec.Mime, err)
		}
	}

	for _, uri := range []string{sdp.SDESMidURI, sdp.SDESRTPStreamIDURI, sdp.AudioLevelURI, sdp.TransportCCURI, frameMarking} {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("mediatransport: register header extension %s: %w", uri, err)
		}
	}

	se := webrtc.SettingEngine{}
	if cfg.ICEPortRangeStart > 0 && cfg.ICEPortRangeEnd > cfg.ICEPortRangeStart {
		if err := se.SetEphemeralUDPPortRange(cfg.ICEPortRangeStart, cfg.ICEPortRangeEnd); err != nil {
			return nil, fmt.Errorf("mediatransport: set ICE port range: %w", err)
		}
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, url := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &WebRTCConfig{
		Configuration: webrtc.Configuration{ICEServers: iceServers},
		SettingEngine: se,
		MediaEngine:   me,
	}, nil
}
