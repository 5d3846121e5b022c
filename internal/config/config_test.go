package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, uint64(DefaultMinAmount), cfg.MinAmount)
	assert.Equal(t, uint64(DefaultMaxAmount), cfg.MaxAmount)
	assert.Equal(t, DefaultMinTimeLock, cfg.MinTimeLock)
	assert.Equal(t, DefaultMaxTimeLock, cfg.MaxTimeLock)
	assert.Equal(t, DefaultAttestationFreshness, cfg.AttestationFreshness)
	assert.Equal(t, uint64(DefaultStorageReserveMinimum), cfg.StorageReserveMinimum)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "MIN_AMOUNT", "500")
	setEnv(t, "MAX_AMOUNT", "5000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, uint64(500), cfg.MinAmount)
	assert.Equal(t, uint64(5000), cfg.MaxAmount)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				MinAmount:    1,
				MaxAmount:    100,
				MinTimeLock:  DefaultMinTimeLock,
				MaxTimeLock:  DefaultMaxTimeLock,
				RateLimitRPM: 10,
			},
			wantErr: "",
		},
		{
			name: "min exceeds max amount",
			config: Config{
				MinAmount:    100,
				MaxAmount:    1,
				MinTimeLock:  DefaultMinTimeLock,
				MaxTimeLock:  DefaultMaxTimeLock,
				RateLimitRPM: 10,
			},
			wantErr: "MIN_AMOUNT/MAX_AMOUNT",
		},
		{
			name: "zero time lock bounds",
			config: Config{
				MinAmount:    1,
				MaxAmount:    100,
				RateLimitRPM: 10,
			},
			wantErr: "MIN_TIME_LOCK/MAX_TIME_LOCK",
		},
		{
			name: "invalid rate limit",
			config: Config{
				MinAmount:   1,
				MaxAmount:   100,
				MinTimeLock: DefaultMinTimeLock,
				MaxTimeLock: DefaultMaxTimeLock,
			},
			wantErr: "RATE_LIMIT_RPM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
