package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "levenshtein", cfg.Similarity.Provider)
	assert.False(t, cfg.Events.Enabled)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.RetryBackoff)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		v := viper.New()
		SetDefaults(v)
		cfg, err := Load(v)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "storage.dsn",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "sqlite" },
			wantErr: "unknown storage driver",
		},
		{
			name:    "http similarity without url",
			mutate:  func(c *Config) { c.Similarity.Provider = "http" },
			wantErr: "similarity.base_url",
		},
		{
			name:    "unknown similarity provider",
			mutate:  func(c *Config) { c.Similarity.Provider = "cosine" },
			wantErr: "unknown similarity provider",
		},
		{
			name: "events without brokers",
			mutate: func(c *Config) {
				c.Events.Enabled = true
				c.Events.Brokers = nil
			},
			wantErr: "events.brokers",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Engine.Workers = 0 },
			wantErr: "engine.workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggerConfigFileOutput(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)

	cfg.Logging.File = "/var/log/concilia.log"
	logCfg := cfg.LoggerConfig()
	assert.Equal(t, "/var/log/concilia.log", logCfg.File)
}
