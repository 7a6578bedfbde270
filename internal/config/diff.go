package config

import "slices"

// ConfigDiff describes what changed between two configs. Changes that can be
// applied live get their own flag; everything else lands in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AnimationChanged is true if any pacing or start-marker field changed.
	// Provider and endpoint changes need a restart and are listed in
	// RestartRequired instead.
	AnimationChanged bool

	// DialogueChanged is true if the session parameters sent on the next
	// call changed (character, speaker, sample rate, actions).
	DialogueChanged bool

	// RestartRequired names changed fields that are only read at startup.
	RestartRequired []string
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AnimationChanged || d.DialogueChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Animation, new.Animation
	if oa.InstanceName != na.InstanceName ||
		oa.ChunkDuration != na.ChunkDuration ||
		oa.PaceMargin != na.PaceMargin ||
		oa.IdleInterval != na.IdleInterval ||
		oa.FadeDuration != na.FadeDuration ||
		oa.BlockUntilPlaybackFinished != na.BlockUntilPlaybackFinished ||
		oa.RatePolicy != na.RatePolicy {
		d.AnimationChanged = true
	}

	if diffDialogue(old.Dialogue, new.Dialogue) {
		d.DialogueChanged = true
	}

	restart := []struct {
		field   string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"server.relay_http_addr", old.Server.RelayHTTPAddr != new.Server.RelayHTTPAddr},
		{"dialogue.provider", old.Dialogue.Provider != new.Dialogue.Provider},
		{"dialogue.endpoint", old.Dialogue.Endpoint != new.Dialogue.Endpoint},
		{"dialogue.insecure", old.Dialogue.Insecure != new.Dialogue.Insecure},
		{"relay", old.Relay != new.Relay},
		{"animation.provider", oa.Provider != na.Provider},
		{"animation.endpoint", oa.Endpoint != na.Endpoint},
		{"capture", old.Capture != new.Capture},
		{"playback", old.Playback != new.Playback},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.field)
		}
	}

	return d
}

// diffDialogue compares the per-session parameters of two dialogue sections.
func diffDialogue(old, new DialogueConfig) bool {
	if old.APIKey != new.APIKey ||
		old.CharacterID != new.CharacterID ||
		old.SessionID != new.SessionID ||
		old.SampleRate != new.SampleRate ||
		old.Speaker != new.Speaker {
		return true
	}
	if (old.Actions == nil) != (new.Actions == nil) {
		return true
	}
	if old.Actions == nil {
		return false
	}
	oa, na := old.Actions, new.Actions
	return oa.Classification != na.Classification ||
		oa.ContextLevel != na.ContextLevel ||
		!slices.Equal(oa.Actions, na.Actions) ||
		!slices.Equal(oa.Characters, na.Characters) ||
		!slices.Equal(oa.Objects, na.Objects)
}
