package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything that
// would require tearing down the active session (analysis provider, listen
// address, archive DSN) is applied on the next restart instead.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TriggerChanged bool
	NewTrigger     TriggerConfig

	AlertsChanged bool
	NewAlerts     AlertsConfig

	ChartChanged bool
	NewChart     ChartConfig
}

// Any reports whether the diff contains any hot-reloadable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.TriggerChanged || d.AlertsChanged || d.ChartChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Trigger != new.Trigger {
		d.TriggerChanged = true
		d.NewTrigger = new.Trigger
	}

	if old.Alerts != new.Alerts {
		d.AlertsChanged = true
		d.NewAlerts = new.Alerts
	}

	if old.Chart != new.Chart {
		d.ChartChanged = true
		d.NewChart = new.Chart
	}

	return d
}
