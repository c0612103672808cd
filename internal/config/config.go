// Package config loads the Tunables governing timer periods and rollout
// flags, the way the teacher's internal/config.Config loads WebRTC/ICE
// settings, but backed by github.com/spf13/viper for environment and
// file-based overrides instead of being hardcoded. The teacher's WebRTC
// SettingEngine/codec configuration moved to
// internal/adapters/mediatransport, the package that actually drives
// pion/webrtc.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Tunables is the §6 "Configuration constants" bag.
type Tunables struct {
	// ExpireTsBumpDuration is added to "now" to compute the next
	// membership expiry on every heartbeat tick.
	ExpireTsBumpDuration time.Duration
	// UpdateExpireTsTimerDuration is the heartbeat's re-arm period (C6).
	UpdateExpireTsTimerDuration time.Duration
	// ActiveSpeakerInterval is the Active Speaker Detector's poll period (C7).
	ActiveSpeakerInterval time.Duration
	// MakeKeyDelay debounces simultaneous leavers before a new sender key
	// is generated (§4.5 step 6, S4).
	MakeKeyDelay time.Duration
	// UseKeyDelay is how long a newly generated local key waits before
	// being installed into the local encryptor, giving peers time to
	// install it first (§4.7).
	UseKeyDelay time.Duration
	// EnableSFUE2EEKeyRatcheting selects ratchet-on-join over
	// generate-new-key-on-join for the SFU+E2EE backend (§4.5 step 6).
	EnableSFUE2EEKeyRatcheting bool
}

// New builds Tunables from a *viper.Viper, applying the defaults below for
// anything unset. Defaults mirror the "illustrative" values of §6.
func New(v *viper.Viper) Tunables {
	v.SetDefault("groupcall.expire_ts_bump_duration", 60*time.Second)
	v.SetDefault("groupcall.update_expire_ts_timer_duration", 15*time.Second)
	v.SetDefault("groupcall.active_speaker_interval", time.Second)
	v.SetDefault("groupcall.make_key_delay", 5*time.Second)
	v.SetDefault("groupcall.use_key_delay", 5*time.Second)
	v.SetDefault("groupcall.enable_sfu_e2ee_key_ratcheting", true)

	return Tunables{
		ExpireTsBumpDuration:        v.GetDuration("groupcall.expire_ts_bump_duration"),
		UpdateExpireTsTimerDuration: v.GetDuration("groupcall.update_expire_ts_timer_duration"),
		ActiveSpeakerInterval:       v.GetDuration("groupcall.active_speaker_interval"),
		MakeKeyDelay:                v.GetDuration("groupcall.make_key_delay"),
		UseKeyDelay:                 v.GetDuration("groupcall.use_key_delay"),
		EnableSFUE2EEKeyRatcheting:  v.GetBool("groupcall.enable_sfu_e2ee_key_ratcheting"),
	}
}

// Default returns Tunables built from a fresh, environment-only Viper
// instance — convenient for tests and for cmd/groupcalld's zero-config path.
func Default() Tunables {
	v := viper.New()
	v.SetEnvPrefix("GROUPCALL")
	v.AutomaticEnv()
	return New(v)
}
