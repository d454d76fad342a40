package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.True(t, c.IsDefault())
	assert.Equal(t, "localhost:7357", c.Addr())
	assert.True(t, c.GetFailOnTopLevelError())
	assert.False(t, c.GetNoColor())

	grace, err := c.GetReconnectGrace()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, grace)

	idle, err := c.GetIdleTimeout()
	require.NoError(t, err)
	assert.Zero(t, idle)

	restart, err := c.GetRestartTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, restart)
}

func TestFindAndLoadConfig_NoFile(t *testing.T) {
	c, err := FindAndLoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.True(t, c.IsDefault())
}

func TestFindAndLoadConfig_JSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "testhub.json", `{
		"port": 8080,
		"reporters": ["xunit"],
		"reconnectGrace": "10s",
		"expectedRunners": 2,
		"notify": {"slackWebhook": "https://hooks.example/x", "notifyOn": "always"}
	}`)

	c, err := FindAndLoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "localhost", c.Host, "unset fields keep defaults")
	assert.Equal(t, []string{"xunit"}, c.Reporters)
	assert.Equal(t, 2, c.ExpectedRunners)
	require.NotNil(t, c.Notify)
	assert.Equal(t, "always", c.Notify.NotifyOn)

	grace, err := c.GetReconnectGrace()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, grace)
}

func TestFindAndLoadConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "testhub.yml", `
host: 0.0.0.0
noColor: true
failOnTopLevelError: false
watchFiles:
  - "src/**/*.js"
labelRules:
  - pattern: 'testhub-go/(\S+)'
    template: 'Go $1'
`)

	c, err := FindAndLoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", c.Host)
	assert.True(t, c.GetNoColor())
	assert.False(t, c.GetFailOnTopLevelError())
	assert.Equal(t, []string{"src/**/*.js"}, c.WatchFiles)

	labels, err := c.Labels()
	require.NoError(t, err)
	assert.Equal(t, "Go 1.2.3", labels.Label("testhub-go/1.2.3 (linux; amd64)"))
	assert.Equal(t, "Chrome 120.0", labels.Label("Mozilla/5.0 Chrome/120.0.6099.71 Safari/537.36"))
}

func TestFindAndLoadConfig_SearchOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "testhub.yaml", "port: 2\n")
	writeFile(t, dir, "testhub.json", `{"port": 1}`)

	c, err := FindAndLoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Port)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad json", "a.json", `{"port": `},
		{"bad yaml", "b.yaml", "port: [1"},
		{"bad duration", "c.json", `{"reconnectGrace": "soon"}`},
		{"negative duration", "d.json", `{"idleTimeout": "-1s"}`},
		{"bad restart timeout", "r.json", `{"restartTimeout": "soon"}`},
		{"bad port", "e.json", `{"port": 70000}`},
		{"bad label rule", "f.json", `{"labelRules": [{"pattern": "("}]}`},
		{"several reporters on stdout", "g.json", `{"reporters": ["tap", "xunit"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, dir, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	base.LabelRules = []LabelRule{{Pattern: "base"}}
	base.Notify = &Notify{SlackWebhook: "https://hooks.example/slack"}

	other := &Config{
		Port:                9000,
		NoColor:             BoolPtr(true),
		FailOnTopLevelError: BoolPtr(false),
		LabelRules:          []LabelRule{{Pattern: "flag"}},
		Notify:              &Notify{NotifyOn: "recovery"},
	}
	merged := base.Merge(other)

	assert.Equal(t, 9000, merged.Port)
	assert.Equal(t, "localhost", merged.Host)
	assert.True(t, merged.GetNoColor())
	assert.False(t, merged.GetFailOnTopLevelError())
	assert.Equal(t, []LabelRule{{Pattern: "flag"}, {Pattern: "base"}}, merged.LabelRules)
	assert.Equal(t, &Notify{SlackWebhook: "https://hooks.example/slack", NotifyOn: "recovery"}, merged.Notify)

	assert.Equal(t, DefaultPort, base.Port, "base is not modified")
	assert.Same(t, base, base.Merge(nil))
}

func TestSaveConfig_RoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"testhub.json", "testhub.yaml"} {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			c.Port = 4000
			c.HistoryDB = "history.db"
			path := filepath.Join(dir, name)
			require.NoError(t, c.SaveConfig(path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, c, loaded)
		})
	}
}
