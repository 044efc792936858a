package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.35, cfg.Moderation.WarningThreshold)
	assert.Equal(t, 0.88, cfg.Moderation.BanThreshold)
	assert.Equal(t, 5, cfg.Brigade.JoinsPerMinute)
	assert.Equal(t, 3, cfg.Brigade.SimilarMessages)
	assert.Equal(t, 5*time.Minute, cfg.Brigade.TimeWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.Behavior.NewAccountWindow)
	assert.Equal(t, 1.6, cfg.Behavior.RepeatOffenderMultiplierCap)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{
			name:   "equal thresholds",
			mutate: func(c *Config) { c.Moderation.TimeoutThreshold = c.Moderation.WarningThreshold },
			field:  "moderation.timeout_threshold",
		},
		{
			name:   "descending thresholds",
			mutate: func(c *Config) { c.Moderation.KickThreshold = 0.9 },
			field:  "moderation.ban_threshold",
		},
		{
			name:   "threshold above one",
			mutate: func(c *Config) { c.Moderation.BanThreshold = 1.2 },
		},
		{
			name:   "non-positive timeout duration",
			mutate: func(c *Config) { c.Moderation.TimeoutDurations[1] = 0 },
		},
		{
			name:   "missing timeout durations",
			mutate: func(c *Config) { c.Moderation.TimeoutDurations = c.Moderation.TimeoutDurations[:2] },
		},
		{
			name:   "brigade window too short",
			mutate: func(c *Config) { c.Brigade.TimeWindow = 10 * time.Second },
		},
		{
			name:   "zero dependency timeout",
			mutate: func(c *Config) { c.Pipeline.DependencyTimeout = 0 },
		},
		{
			name: "allow and block lists together",
			mutate: func(c *Config) {
				c.Pipeline.AllowedChannels = []int64{1}
				c.Pipeline.BlockedChannels = []int64{2}
			},
			field: "pipeline.allowed_channels",
		},
		{
			name:   "webhook mode without url",
			mutate: func(c *Config) { c.Executor.Mode = "webhook" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

			if tt.field != "" {
				var appErr *errors.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.field, appErr.Details["field"])
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("yaml file and env overrides", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		yaml := `
environment: test
moderation:
  warning_threshold: 0.3
  timeout_durations: ["30m", "12h", "72h"]
brigade:
  joins_per_minute: 8
`
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
		t.Setenv("CRE_BRIGADE__SIMILAR_MESSAGES", "4")
		t.Setenv("CRE_PIPELINE__DRY_RUN", "true")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "test", cfg.Environment)
		assert.Equal(t, 0.3, cfg.Moderation.WarningThreshold)
		assert.Equal(t, 0.55, cfg.Moderation.TimeoutThreshold)
		assert.Equal(t, []time.Duration{30 * time.Minute, 12 * time.Hour, 72 * time.Hour}, cfg.Moderation.TimeoutDurations)
		assert.Equal(t, 8, cfg.Brigade.JoinsPerMinute)
		assert.Equal(t, 4, cfg.Brigade.SimilarMessages)
		assert.True(t, cfg.Pipeline.DryRun)
	})

	t.Run("explicit missing file is a config error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	})

	t.Run("invalid thresholds rejected at load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("environment: test\n"), 0o600))
		t.Setenv("CRE_MODERATION__KICK_THRESHOLD", "0.5")

		_, err := Load(path)
		require.Error(t, err)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "moderation.kick_threshold", appErr.Details["field"])
	})
}

func TestTimeoutDuration(t *testing.T) {
	m := Defaults().Moderation

	assert.Equal(t, time.Hour, m.TimeoutDuration(0))
	assert.Equal(t, 24*time.Hour, m.TimeoutDuration(1))
	assert.Equal(t, 7*24*time.Hour, m.TimeoutDuration(2))
	assert.Equal(t, 7*24*time.Hour, m.TimeoutDuration(9))
	assert.Equal(t, time.Hour, m.TimeoutDuration(-1))
}

func TestShouldMonitorChannel(t *testing.T) {
	p := Defaults().Pipeline
	assert.True(t, p.ShouldMonitorChannel(42))

	p.BlockedChannels = []int64{42}
	assert.False(t, p.ShouldMonitorChannel(42))
	assert.True(t, p.ShouldMonitorChannel(43))

	p.BlockedChannels = nil
	p.AllowedChannels = []int64{7}
	assert.True(t, p.ShouldMonitorChannel(7))
	assert.False(t, p.ShouldMonitorChannel(42))
}
