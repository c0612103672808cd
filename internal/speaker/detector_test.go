package speaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famedly/groupcall/internal/callid"
	"github.com/famedly/groupcall/internal/peercall"
)

type fakeTransport struct {
	level float64
}

func (f *fakeTransport) GetStats(ctx context.Context) (peercall.StatsReport, error) {
	return peercall.StatsReport{
		{Type: "inbound-rtp", Fields: map[string]float64{"audioLevel": f.level}},
	}, nil
}

type fakeSource struct {
	streams []TrackedStream
}

func (f *fakeSource) TrackedStreams() []TrackedStream { return f.streams }

func TestDetectorPicksArgmax(t *testing.T) {
	quiet := &fakeTransport{level: 0.1}
	loud := &fakeTransport{level: 0.9}

	pQuiet := callid.Participant{UserID: "quiet"}
	pLoud := callid.Participant{UserID: "loud"}

	source := &fakeSource{streams: []TrackedStream{
		{Participant: pQuiet, Transport: quiet},
		{Participant: pLoud, Transport: loud},
	}}

	d := NewDetector(source, time.Millisecond)
	sub := d.ActiveSpeakerChanged.Subscribe()
	defer sub.Unsubscribe()

	d.Start(context.Background())
	defer d.Stop()

	require.Eventually(t, func() bool {
		current, ok := d.Current()
		return ok && current.ID() == pLoud.ID()
	}, time.Second, time.Millisecond)
}

func TestDetectorOnlyEmitsOnChange(t *testing.T) {
	p := callid.Participant{UserID: "speaker"}
	transport := &fakeTransport{level: 0.5}
	source := &fakeSource{streams: []TrackedStream{{Participant: p, Transport: transport}}}

	d := NewDetector(source, time.Millisecond)
	sub := d.ActiveSpeakerChanged.Subscribe()
	defer sub.Unsubscribe()

	d.Start(context.Background())
	defer d.Stop()

	first := <-sub.C()
	assert.Equal(t, p.ID(), first.ID())

	// Subsequent ticks with the same speaker must not republish.
	select {
	case <-sub.C():
		t.Fatal("active speaker changed event fired without a change")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStopSuppressesFurtherTicks(t *testing.T) {
	p := callid.Participant{UserID: "speaker"}
	transport := &fakeTransport{level: 0.5}
	source := &fakeSource{streams: []TrackedStream{{Participant: p, Transport: transport}}}

	d := NewDetector(source, time.Millisecond)
	d.Start(context.Background())
	assert.Eventually(t, func() bool {
		_, ok := d.Current()
		return ok
	}, time.Second, time.Millisecond)
	d.Stop()

	transport.level = 0.9
	time.Sleep(10 * time.Millisecond)

	_, ok := d.Current()
	assert.True(t, ok) // last known value retained, but no crash/panic on stopped ticks
}

func TestFallbackTo(t *testing.T) {
	source := &fakeSource{}
	d := NewDetector(source, time.Hour)
	sub := d.ActiveSpeakerChanged.Subscribe()
	defer sub.Unsubscribe()

	p := callid.Participant{UserID: "fallback"}
	d.FallbackTo(p)

	got := <-sub.C()
	assert.Equal(t, p.ID(), got.ID())
}
