package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100.0, cfg.Pairing.PairingDistanceMeters)
	assert.Equal(t, 15.0, cfg.Pairing.HeadingToleranceDegrees)
	assert.Equal(t, 45.0, cfg.Pairing.FacingConeDegrees)
	assert.Equal(t, 1.0, cfg.Pairing.MovementThresholdMeters)
	assert.Equal(t, 5*time.Second, cfg.Pairing.NotifyCooldown)
	assert.False(t, cfg.Pairing.RelaxedMatching)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.NATSURL)
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"LISTEN_ADDR":             ":9090",
		"WORKER_POOL_SIZE":        "32",
		"HEARTBEAT_INTERVAL":      "15s",
		"PAIRING_DISTANCE_METERS": "50",
		"NOTIFY_COOLDOWN":         "2s",
		"RELAXED_MATCHING":        "true",
		"STATIC_PAIRS":            "a:b, c:d",
		"SWEEP_STALE_PAIRINGS":    "1",
		"REDIS_ADDR":              "localhost:6379",
		"LOG_FORMAT":              "console",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 32, cfg.Server.WorkerPoolSize)
	assert.Equal(t, 15*time.Second, cfg.Server.Heartbeat.Interval)
	assert.Equal(t, 50.0, cfg.Pairing.PairingDistanceMeters)
	assert.Equal(t, 2*time.Second, cfg.Pairing.NotifyCooldown)
	assert.True(t, cfg.Pairing.RelaxedMatching)
	assert.True(t, cfg.Pairing.SweepStalePairings)
	assert.Equal(t, [][2]string{{"a", "b"}, {"c", "d"}}, cfg.Pairing.StaticPairs)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_ReportsEveryBadValue(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"WORKER_POOL_SIZE":        "many",
		"PAIRING_DISTANCE_METERS": "far",
		"NOTIFY_COOLDOWN":         "5",
		"STATIC_PAIRS":            "a:a",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "WORKER_POOL_SIZE")
	assert.ErrorContains(t, err, "PAIRING_DISTANCE_METERS")
	assert.ErrorContains(t, err, "NOTIFY_COOLDOWN")
	assert.ErrorContains(t, err, "STATIC_PAIRS")
}

func TestValidate_RejectsBadThresholds(t *testing.T) {
	cfg := Default()
	cfg.Pairing.FacingConeDegrees = 270
	cfg.LogFormat = "xml"
	err := cfg.Validate()
	assert.ErrorContains(t, err, "facing cone")
	assert.ErrorContains(t, err, "log format")
}

func TestParseStaticPairs(t *testing.T) {
	pairs, err := ParseStaticPairs("")
	require.NoError(t, err)
	assert.Empty(t, pairs)

	_, err = ParseStaticPairs("a:b,c")
	assert.Error(t, err)
	_, err = ParseStaticPairs("a:")
	assert.Error(t, err)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("FACING_CONE_DEGREES=30\nSERVER_NAME=from-file\n"), 0o600))
	t.Setenv("SERVER_NAME", "from-env")
	// Registers a restore so the value godotenv sets does not leak.
	t.Setenv("FACING_CONE_DEGREES", "")
	require.NoError(t, os.Unsetenv("FACING_CONE_DEGREES"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30.0, cfg.Pairing.FacingConeDegrees)
	assert.Equal(t, "from-env", cfg.ServerName)
}

func TestLoad_MissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}
