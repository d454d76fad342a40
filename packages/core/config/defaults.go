package config

import "time"

const (
	DefaultHost              = "localhost"
	DefaultPort              = 7357
	DefaultReconnectGrace    = 5 * time.Second
	DefaultRestartTimeout    = 30 * time.Second
	DefaultRunnerWaitTimeout = 2 * time.Minute
	DefaultConsoleRate       = 50
	DefaultConsoleBurst      = 100
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Host:                    DefaultHost,
		Port:                    DefaultPort,
		Reporters:               []string{"tap"},
		XUnitIntermediateOutput: BoolPtr(false),
		ReconnectGrace:          DefaultReconnectGrace.String(),
		IdleTimeout:             "0s",
		RestartTimeout:          DefaultRestartTimeout.String(),
		RunnerWaitTimeout:       DefaultRunnerWaitTimeout.String(),
		LogLevel:                "info",
		NoColor:                 BoolPtr(false),
		FailOnTopLevelError:     BoolPtr(true),
		ConsoleRate:             DefaultConsoleRate,
		ConsoleBurst:            DefaultConsoleBurst,
	}
}

// IsDefault returns true if the config matches defaults
func (c *Config) IsDefault() bool {
	d := DefaultConfig()
	return c.Host == d.Host &&
		c.Port == d.Port &&
		len(c.Reporters) == 1 && c.Reporters[0] == d.Reporters[0] &&
		c.ReportFile == "" &&
		c.GetXUnitIntermediateOutput() == d.GetXUnitIntermediateOutput() &&
		c.ReconnectGrace == d.ReconnectGrace &&
		c.IdleTimeout == d.IdleTimeout &&
		c.RestartTimeout == d.RestartTimeout &&
		c.ExpectedRunners == 0 &&
		c.RunnerWaitTimeout == d.RunnerWaitTimeout &&
		len(c.WatchFiles) == 0 &&
		c.HistoryDB == "" &&
		c.LogLevel == d.LogLevel &&
		c.GetNoColor() == d.GetNoColor() &&
		c.GetFailOnTopLevelError() == d.GetFailOnTopLevelError() &&
		c.ConsoleRate == d.ConsoleRate &&
		c.ConsoleBurst == d.ConsoleBurst &&
		len(c.LabelRules) == 0 &&
		c.Notify == nil
}
