package telemetry

import "github.com/prometheus/client_golang/prometheus"

const groupcallNamespace string = "groupcall"

var (
	sessionsActive      prometheus.Gauge
	participantsCurrent prometheus.Gauge
	keyRotations        *prometheus.CounterVec
	activeSpeakerChanges prometheus.Counter
	peerCallOutcomes    *prometheus.CounterVec
)

func init() {
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: groupcallNamespace,
		Subsystem: "session",
		Name:      "active",
	})

	participantsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: groupcallNamespace,
		Subsystem: "session",
		Name:      "participants_current",
	})

	keyRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: groupcallNamespace,
			Subsystem: "e2ee",
			Name:      "key_rotations_total",
		},
		[]string{"reason"},
	)

	activeSpeakerChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: groupcallNamespace,
		Subsystem: "speaker",
		Name:      "active_changes_total",
	})

	peerCallOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: groupcallNamespace,
			Subsystem: "peercall",
			Name:      "outcomes_total",
		},
		[]string{"outcome"},
	)

	prometheus.MustRegister(sessionsActive, participantsCurrent, keyRotations, activeSpeakerChanges, peerCallOutcomes)
}

// SessionEntered/SessionLeft track the session lifecycle gauge (Enter/Leave, §4.5).
func SessionEntered() { sessionsActive.Inc() }
func SessionLeft()    { sessionsActive.Dec() }

// ParticipantsChanged sets the current participant-count gauge after a reconciliation
// pass (§4.5 step 7).
func ParticipantsChanged(n int) { participantsCurrent.Set(float64(n)) }

// KeyRotated increments the rotation counter by reason: "join", "leave-debounced" or
// "ratchet" (§4.7).
func KeyRotated(reason string) { keyRotations.WithLabelValues(reason).Inc() }

// ActiveSpeakerChanged increments the active-speaker-change counter (C7).
func ActiveSpeakerChanged() { activeSpeakerChanges.Inc() }

// PeerCallOutcome records a peer call outcome: a HangupReason name such as
// "user_hangup", "replaced" or "ice_failed", or "connected" / "table_changed" (C4).
func PeerCallOutcome(outcome string) { peerCallOutcomes.WithLabelValues(outcome).Inc() }
