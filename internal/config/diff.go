package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is set when the persona, voice, or apology changed.
	// New sessions pick these up; in-flight calls keep their settings.
	AgentChanged bool

	// ConversationChanged is set when turn-taking pauses, the confidence
	// floor, or the history window changed.
	ConversationChanged bool

	// InterruptionChanged is set when barge-in tuning changed.
	InterruptionChanged bool

	// LimitsChanged is set when the concurrency cap or rate limit changed.
	// Applies to future admissions only.
	LimitsChanged bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AgentChanged || d.ConversationChanged ||
		d.InterruptionChanged || d.LimitsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: provider,
// server, and store changes require a restart and are ignored here.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Agent != new.Agent {
		d.AgentChanged = true
	}
	if old.Conversation != new.Conversation {
		d.ConversationChanged = true
	}
	if old.Interruption != new.Interruption {
		d.InterruptionChanged = true
	}
	if old.Limits != new.Limits || old.RateLimit != new.RateLimit {
		d.LimitsChanged = true
	}

	return d
}
