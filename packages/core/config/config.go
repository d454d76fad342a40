package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/label"
	"gopkg.in/yaml.v3"
)

// Config represents the testhub configuration
type Config struct {
	Host                    string      `json:"host,omitempty" yaml:"host,omitempty"`
	Port                    int         `json:"port,omitempty" yaml:"port,omitempty"`
	Reporters               []string    `json:"reporters,omitempty" yaml:"reporters,omitempty"`
	ReportFile              string      `json:"reportFile,omitempty" yaml:"reportFile,omitempty"`
	XUnitIntermediateOutput *bool       `json:"xunitIntermediateOutput,omitempty" yaml:"xunitIntermediateOutput,omitempty"`
	ReconnectGrace          string      `json:"reconnectGrace,omitempty" yaml:"reconnectGrace,omitempty"`
	IdleTimeout             string      `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
	RestartTimeout          string      `json:"restartTimeout,omitempty" yaml:"restartTimeout,omitempty"`
	ExpectedRunners         int         `json:"expectedRunners,omitempty" yaml:"expectedRunners,omitempty"`
	RunnerWaitTimeout       string      `json:"runnerWaitTimeout,omitempty" yaml:"runnerWaitTimeout,omitempty"`
	WatchFiles              []string    `json:"watchFiles,omitempty" yaml:"watchFiles,omitempty"`
	HistoryDB               string      `json:"historyDB,omitempty" yaml:"historyDB,omitempty"`
	LogLevel                string      `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	NoColor                 *bool       `json:"noColor,omitempty" yaml:"noColor,omitempty"`
	FailOnTopLevelError     *bool       `json:"failOnTopLevelError,omitempty" yaml:"failOnTopLevelError,omitempty"`
	ConsoleRate             float64     `json:"consoleRate,omitempty" yaml:"consoleRate,omitempty"` // events per second, per runner
	ConsoleBurst            int         `json:"consoleBurst,omitempty" yaml:"consoleBurst,omitempty"`
	LabelRules              []LabelRule `json:"labelRules,omitempty" yaml:"labelRules,omitempty"`
	Notify                  *Notify     `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// LabelRule maps capability strings matching Pattern to a label built from
// Template ($1, $2 ... name capture groups).
type LabelRule struct {
	Pattern  string `json:"pattern" yaml:"pattern"`
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
}

// Notify configures chat webhooks for finished runs.
type Notify struct {
	SlackWebhook string `json:"slackWebhook,omitempty" yaml:"slackWebhook,omitempty"`
	SlackChannel string `json:"slackChannel,omitempty" yaml:"slackChannel,omitempty"`
	TeamsWebhook string `json:"teamsWebhook,omitempty" yaml:"teamsWebhook,omitempty"`
	NotifyOn     string `json:"notifyOn,omitempty" yaml:"notifyOn,omitempty"`
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// getBool returns the value of a bool pointer, or the default if nil
func getBool(b *bool, defaultVal bool) bool {
	if b == nil {
		return defaultVal
	}
	return *b
}

// getDuration parses s, falling back to def when s is empty.
func getDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", name, s)
	}
	return d, nil
}

// GetXUnitIntermediateOutput defaults to false.
func (c *Config) GetXUnitIntermediateOutput() bool {
	return getBool(c.XUnitIntermediateOutput, false)
}

// GetNoColor returns the no color setting, defaulting to false
func (c *Config) GetNoColor() bool {
	return getBool(c.NoColor, false)
}

// GetFailOnTopLevelError defaults to true.
func (c *Config) GetFailOnTopLevelError() bool {
	return getBool(c.FailOnTopLevelError, true)
}

// GetReconnectGrace is how long a dropped runner may take to come back.
func (c *Config) GetReconnectGrace() (time.Duration, error) {
	return getDuration("reconnectGrace", c.ReconnectGrace, DefaultReconnectGrace)
}

// GetIdleTimeout returns 0 (disabled) unless configured.
func (c *Config) GetIdleTimeout() (time.Duration, error) {
	return getDuration("idleTimeout", c.IdleTimeout, 0)
}

// GetRestartTimeout is how long a runner may take to log in again after a
// start signal. Zero waits forever.
func (c *Config) GetRestartTimeout() (time.Duration, error) {
	return getDuration("restartTimeout", c.RestartTimeout, DefaultRestartTimeout)
}

func (c *Config) GetRunnerWaitTimeout() (time.Duration, error) {
	return getDuration("runnerWaitTimeout", c.RunnerWaitTimeout, DefaultRunnerWaitTimeout)
}

// Addr is the host:port the hub listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Labels returns the default label table with the configured rules in front.
func (c *Config) Labels() (label.Table, error) {
	if len(c.LabelRules) == 0 {
		return label.Default, nil
	}
	rules := make([]label.Rule, 0, len(c.LabelRules))
	for i, lr := range c.LabelRules {
		r, err := label.Compile(lr.Pattern, lr.Template)
		if err != nil {
			return nil, fmt.Errorf("labelRules[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	return label.Default.With(rules...), nil
}

// Validate checks the fields that are parsed lazily.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ExpectedRunners < 0 {
		return fmt.Errorf("invalid expectedRunners %d", c.ExpectedRunners)
	}
	if len(c.Reporters) > 1 && c.ReportFile == "" {
		return fmt.Errorf("reporters %s need a reportFile, only one reporter can write to stdout", strings.Join(c.Reporters, ", "))
	}
	if _, err := c.GetReconnectGrace(); err != nil {
		return err
	}
	if _, err := c.GetIdleTimeout(); err != nil {
		return err
	}
	if _, err := c.GetRestartTimeout(); err != nil {
		return err
	}
	if _, err := c.GetRunnerWaitTimeout(); err != nil {
		return err
	}
	_, err := c.Labels()
	return err
}

// ConfigFilenames contains the possible config file names, in search order.
var ConfigFilenames = []string{
	"testhub.json",
	".testhub.json",
	"testhub.yml",
	"testhub.yaml",
}

// LoadConfig loads configuration from the specified path or searches for config files
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		return loadConfigFromFile(path)
	}
	return FindAndLoadConfig(".")
}

// FindAndLoadConfig searches for a config file in the given directory
func FindAndLoadConfig(dir string) (*Config, error) {
	for _, filename := range ConfigFilenames {
		configPath := filepath.Join(dir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return loadConfigFromFile(configPath)
		}
	}

	// Return defaults if no config file found
	return DefaultConfig(), nil
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Merge merges another config into this one, with other taking precedence
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c // Copy

	if other.Host != "" {
		result.Host = other.Host
	}
	if other.Port > 0 {
		result.Port = other.Port
	}
	if other.ReportFile != "" {
		result.ReportFile = other.ReportFile
	}
	if other.ReconnectGrace != "" {
		result.ReconnectGrace = other.ReconnectGrace
	}
	if other.IdleTimeout != "" {
		result.IdleTimeout = other.IdleTimeout
	}
	if other.RestartTimeout != "" {
		result.RestartTimeout = other.RestartTimeout
	}
	if other.ExpectedRunners > 0 {
		result.ExpectedRunners = other.ExpectedRunners
	}
	if other.RunnerWaitTimeout != "" {
		result.RunnerWaitTimeout = other.RunnerWaitTimeout
	}
	if other.HistoryDB != "" {
		result.HistoryDB = other.HistoryDB
	}
	if other.LogLevel != "" {
		result.LogLevel = other.LogLevel
	}
	if other.ConsoleRate > 0 {
		result.ConsoleRate = other.ConsoleRate
	}
	if other.ConsoleBurst > 0 {
		result.ConsoleBurst = other.ConsoleBurst
	}

	// Boolean flags - only override if explicitly set in other config
	if other.XUnitIntermediateOutput != nil {
		result.XUnitIntermediateOutput = other.XUnitIntermediateOutput
	}
	if other.NoColor != nil {
		result.NoColor = other.NoColor
	}
	if other.FailOnTopLevelError != nil {
		result.FailOnTopLevelError = other.FailOnTopLevelError
	}

	if len(other.Reporters) > 0 {
		result.Reporters = other.Reporters
	}
	if len(other.WatchFiles) > 0 {
		result.WatchFiles = other.WatchFiles
	}
	if len(other.LabelRules) > 0 {
		result.LabelRules = append(append([]LabelRule(nil), other.LabelRules...), c.LabelRules...)
	}

	if other.Notify != nil {
		n := Notify{}
		if c.Notify != nil {
			n = *c.Notify
		}
		if other.Notify.SlackWebhook != "" {
			n.SlackWebhook = other.Notify.SlackWebhook
		}
		if other.Notify.SlackChannel != "" {
			n.SlackChannel = other.Notify.SlackChannel
		}
		if other.Notify.TeamsWebhook != "" {
			n.TeamsWebhook = other.Notify.TeamsWebhook
		}
		if other.Notify.NotifyOn != "" {
			n.NotifyOn = other.Notify.NotifyOn
		}
		result.Notify = &n
	}

	return &result
}

// SaveConfig writes c as JSON or YAML depending on the extension of path.
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
