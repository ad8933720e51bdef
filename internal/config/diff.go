package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: mode personas
// apply to the next session, the log level applies immediately. Transport,
// audio, and storage changes require a restart.
type ConfigDiff struct {
	ModesChanged    bool       // true if any mode was added, removed, or altered
	ModeChanges     []ModeDiff // per-mode diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// ModeDiff describes what changed for a single mode between two configs.
type ModeDiff struct {
	Name                string
	InstructionsChanged bool
	VoiceChanged        bool
	VideoChanged        bool
	Added               bool
	Removed             bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Removed or altered modes.
	for name, oldMode := range old.Modes {
		newMode, ok := new.Modes[name]
		if !ok {
			d.ModeChanges = append(d.ModeChanges, ModeDiff{Name: name, Removed: true})
			continue
		}
		md := ModeDiff{
			Name:                name,
			InstructionsChanged: oldMode.Instructions != newMode.Instructions,
			VoiceChanged:        oldMode.Voice != newMode.Voice,
			VideoChanged:        oldMode.Video != newMode.Video,
		}
		if md.InstructionsChanged || md.VoiceChanged || md.VideoChanged ||
			oldMode.TranscribeInput != newMode.TranscribeInput ||
			oldMode.TranscribeOutput != newMode.TranscribeOutput {
			d.ModeChanges = append(d.ModeChanges, md)
		}
	}

	// Added modes.
	for name := range new.Modes {
		if _, ok := old.Modes[name]; !ok {
			d.ModeChanges = append(d.ModeChanges, ModeDiff{Name: name, Added: true})
		}
	}

	d.ModesChanged = len(d.ModeChanges) > 0
	return d
}
