package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
trial:
  game: gridworld
  projectId: proj-1
  actionSpace: [noop, Left, RIGHT]
  startingFrameRate: 20
  allowFrameRateChange: true
  frameRateStepSize: 5
  minFrameRate: 1
  maxFrameRate: 90
  maxEpisodes: 3
  dataFile: trial
  s3upload: true
  bucket: human-trials
  ui: [left, right, start, pause]
server:
  addr: ":18100"
  telemetryDir: /tmp/trials
  compression: ZSTD
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".trialConfig.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	cfg, v, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "proj-1", cfg.Trial.ProjectID)
	assert.Equal(t, []string{"noop", "left", "right"}, cfg.Trial.ActionSpace)
	assert.Equal(t, 20, cfg.Trial.StartingFrameRate)
	assert.True(t, cfg.Trial.AllowFrameRateChange)
	assert.Equal(t, 3, cfg.Trial.MaxEpisodes)
	assert.Equal(t, DataFileTrial, cfg.Trial.DataFile)
	assert.True(t, cfg.Trial.S3Upload)
	assert.Equal(t, "human-trials", cfg.Trial.Bucket)
	assert.Equal(t, []string{"left", "right", "start", "pause"}, cfg.Trial.UI)

	assert.Equal(t, ":18100", cfg.Server.Addr)
	assert.Equal(t, "/tmp/trials", cfg.Server.TelemetryDir)
	assert.Equal(t, CompressionZstd, cfg.Server.Compression)
	// 未配置的项使用默认值
	assert.Equal(t, 75, cfg.Server.JPEGQuality)
	assert.Equal(t, 100, cfg.Server.MaxConnections)
}

func TestLoadDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("TRIAL_SERVER_ADDR", ":19999")

	cfg, _, err := Load(writeConfig(t, "trial:\n  game: pong\n"))
	require.NoError(t, err)

	assert.Equal(t, "pong", cfg.Trial.Game)
	assert.Equal(t, 30, cfg.Trial.StartingFrameRate)
	assert.Equal(t, 20, cfg.Trial.MaxEpisodes)
	assert.Equal(t, DataFileEpisode, cfg.Trial.DataFile)
	assert.Equal(t, ":19999", cfg.Server.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestTrialConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TrialConfig)
	}{
		{"empty action space", func(c *TrialConfig) { c.ActionSpace = nil }},
		{"min not below max", func(c *TrialConfig) { c.MinFrameRate = 90 }},
		{"starting above max", func(c *TrialConfig) { c.StartingFrameRate = 120 }},
		{"zero step", func(c *TrialConfig) { c.FrameRateStepSize = 0 }},
		{"zero episodes", func(c *TrialConfig) { c.MaxEpisodes = 0 }},
		{"bad data file", func(c *TrialConfig) { c.DataFile = "session" }},
	}

	require.NoError(t, DefaultTrialConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTrialConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestActionLookup(t *testing.T) {
	cfg := DefaultTrialConfig()
	cfg.ActionSpace = []string{"fire", "noop", "left"}

	assert.Equal(t, 1, cfg.DefaultAction())
	assert.Equal(t, 2, cfg.ActionCode(" LEFT "))
	assert.Equal(t, 0, cfg.ActionCode("jump"))

	cfg.ActionSpace = []string{"left", "right"}
	assert.Equal(t, 0, cfg.DefaultAction())
}

func TestConfigManagerSnapshotIsolation(t *testing.T) {
	var reloaded int
	cm := NewConfigManager(
		WithConfigPath(writeConfig(t, sampleConfig)),
		WithReloadHook(func(*Config) { reloaded++ }),
	)

	first, err := cm.Snapshot()
	require.NoError(t, err)
	first.ActionSpace[0] = "mutated"

	second, err := cm.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "noop", second.ActionSpace[0])

	require.NoError(t, cm.Reload())
	assert.Equal(t, 1, reloaded)

	summary, err := cm.Summary()
	require.NoError(t, err)
	assert.Equal(t, "proj-1", summary["project_id"])
}
