package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	DevicesChanged  bool         // true if any device's prompt, voice, or budget_tier changed
	DeviceChanges   []DeviceDiff // per-device diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
	PromptChanged   bool
	NewPrompt       string
}

// DeviceDiff describes what changed for a single device between two configs.
type DeviceDiff struct {
	DeviceID            string
	SystemPromptChanged bool
	VoiceChanged        bool
	BudgetTierChanged   bool
	Added               bool
	Removed             bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes to a device's prompt, voice, and budget tier; of
// these, [gateway.Server.UpdateConfig] applies only the system prompt to a
// live connection. Provider selection, transports, and MCP server lists
// require a process restart and are not tracked.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Default prompt
	if old.Server.Prompt != new.Server.Prompt {
		d.PromptChanged = true
		d.NewPrompt = new.Server.Prompt
	}

	// Build device lookup maps keyed by device id.
	oldDevices := make(map[string]*DeviceConfig, len(old.Devices))
	for i := range old.Devices {
		oldDevices[old.Devices[i].DeviceID] = &old.Devices[i]
	}
	newDevices := make(map[string]*DeviceConfig, len(new.Devices))
	for i := range new.Devices {
		newDevices[new.Devices[i].DeviceID] = &new.Devices[i]
	}

	// Detect modified and removed devices.
	for id, oldDev := range oldDevices {
		newDev, exists := newDevices[id]
		if !exists {
			d.DeviceChanges = append(d.DeviceChanges, DeviceDiff{
				DeviceID: id,
				Removed:  true,
			})
			d.DevicesChanged = true
			continue
		}
		dd := diffDevice(id, oldDev, newDev)
		if dd.SystemPromptChanged || dd.VoiceChanged || dd.BudgetTierChanged {
			d.DeviceChanges = append(d.DeviceChanges, dd)
			d.DevicesChanged = true
		}
	}

	// Detect added devices.
	for id := range newDevices {
		if _, exists := oldDevices[id]; !exists {
			d.DeviceChanges = append(d.DeviceChanges, DeviceDiff{
				DeviceID: id,
				Added:    true,
			})
			d.DevicesChanged = true
		}
	}

	return d
}

// diffDevice compares two device configs with the same device id.
func diffDevice(id string, old, new *DeviceConfig) DeviceDiff {
	dd := DeviceDiff{DeviceID: id}

	if old.SystemPrompt != new.SystemPrompt {
		dd.SystemPromptChanged = true
	}

	if old.Voice != new.Voice {
		dd.VoiceChanged = true
	}

	if old.BudgetTier != new.BudgetTier {
		dd.BudgetTierChanged = true
	}

	return dd
}
