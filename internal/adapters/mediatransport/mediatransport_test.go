package mediatransport

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalSubjectIsPerDevice(t *testing.T) {
	assert.Equal(t, "groupcall.signaling.@alice:example.org.DEVICE1", signalSubject("@alice:example.org", "DEVICE1"))
	assert.NotEqual(t, signalSubject("@alice:example.org", "DEVICE1"), signalSubject("@alice:example.org", "DEVICE2"))
}

func TestNewWebRTCConfigRegistersDefaultCodecsAndPortRange(t *testing.T) {
	cfg, err := NewWebRTCConfig(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, cfg.MediaEngine)
}

func TestNewWebRTCConfigBuildsICEServersFromURLs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ICEServers = []string{"stun:stun.example.org:3478"}

	webrtcCfg, err := NewWebRTCConfig(cfg)
	require.NoError(t, err)

	require.Len(t, webrtcCfg.Configuration.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, webrtcCfg.Configuration.ICEServers[0].URLs)
}

func TestPeerConnectionConfigFallsBackToDefaultWhenNoOverride(t *testing.T) {
	webrtcCfg, err := NewWebRTCConfig(func() Config {
		c := DefaultConfig()
		c.ICEServers = []string{"stun:stun.example.org:3478"}
		return c
	}())
	require.NoError(t, err)

	tr := &Transport{cfg: webrtcCfg}
	got := tr.peerConnectionConfig(nil)
	assert.Equal(t, webrtcCfg.Configuration, got)

	override := tr.peerConnectionConfig([]string{"turn:turn.example.org:3478"})
	require.Len(t, override.ICEServers, 1)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, override.ICEServers[0].URLs)
}

func TestTrackHandleStopIsNoop(t *testing.T) {
	h := trackHandle{track: &webrtc.TrackRemote{}}
	assert.NotPanics(t, func() { h.Stop() })
}
