package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without a restart are tracked; everything else needs one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	// PolicyChanged is set when any field of the xiaoai section changed.
	PolicyChanged bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdChanged && !d.PolicyChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD.Threshold != new.VAD.Threshold {
		d.ThresholdChanged = true
		d.NewThreshold = new.VAD.Threshold
	}
	if !policyEqual(old.XiaoAI, new.XiaoAI) {
		d.PolicyChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Mode != new.Mode {
		d.RestartRequired = append(d.RestartRequired, "mode")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.VAD.Name != new.VAD.Name || old.VAD.SilenceLimit != new.VAD.SilenceLimit || !optionsEqual(old.VAD.Options, new.VAD.Options) {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if old.KWS.Name != new.KWS.Name || old.KWS.URL != new.KWS.URL || old.KWS.MatchThreshold != new.KWS.MatchThreshold ||
		!slices.Equal(old.KWS.Keywords, new.KWS.Keywords) || !optionsEqual(old.KWS.Options, new.KWS.Options) {
		d.RestartRequired = append(d.RestartRequired, "kws")
	}
	if !responderEqual(&old.Responder, &new.Responder) {
		d.RestartRequired = append(d.RestartRequired, "responder")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	return d
}

func policyEqual(a, b XiaoAIConfig) bool {
	pa, pb := a.Policy(), b.Policy()
	return pa.Continuous == pb.Continuous &&
		pa.MaxRetries == pb.MaxRetries &&
		slices.Equal(pa.ExitKeywords, pb.ExitKeywords) &&
		pa.ExitPrompt == pb.ExitPrompt &&
		pa.NotifyURL == pb.NotifyURL &&
		pa.WakePrompt == pb.WakePrompt
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && optionsEqual(a.Options, b.Options)
}

func responderEqual(a, b *ResponderConfig) bool {
	if !entryEqual(a.ProviderEntry, b.ProviderEntry) ||
		a.SystemPrompt != b.SystemPrompt || a.MaxTokens != b.MaxTokens ||
		a.Temperature != b.Temperature || a.History != b.History || a.Timeout != b.Timeout {
		return false
	}
	return slices.EqualFunc(a.Fallbacks, b.Fallbacks, entryEqual)
}

// optionsEqual compares provider option maps, treating nil and empty alike.
func optionsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
