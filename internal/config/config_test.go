package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "shadow", cfg.Run.Phase)
	assert.Equal(t, "local", cfg.Run.Region)
	assert.Equal(t, "artifacts", cfg.Run.ArtifactsDir)
	assert.Equal(t, 12, cfg.Run.Iterations)
	assert.Equal(t, 5*time.Minute, cfg.Run.Sleep)
	assert.True(t, cfg.Run.AutoTune)
	assert.False(t, cfg.Run.Mock)

	assert.Equal(t, 1e-9, cfg.Tuning.NoiseEpsilon)
	assert.Equal(t, 0.05, cfg.Tuning.RiskEpsilon)
	assert.Equal(t, 0.10, cfg.Tuning.RegressionThreshold)
	assert.Equal(t, 2, cfg.Tuning.StableIters)
	assert.Equal(t, 2, cfg.Tuning.FreezeWindow)

	assert.Equal(t, 6*time.Hour, cfg.Lock.StaleAfter)
	assert.Empty(t, cfg.Export.RedisURL)
	assert.Equal(t, "dev", cfg.Export.Env)
	assert.Equal(t, "bybit", cfg.Export.Exchange)
	assert.Equal(t, 48*time.Hour, cfg.Export.TTL)
	assert.Equal(t, 10000, cfg.Export.MaxStreamLen)

	assert.Equal(t, 5*time.Minute, cfg.Alert.Cooldown)
	assert.Equal(t, 6, cfg.Alert.MaxPerMinute)
	assert.Equal(t, 8080, cfg.Server.AdminPort)
	assert.Empty(t, cfg.Tracing.OTLPEndpoint)
	assert.True(t, cfg.Tracing.Insecure)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SOAK_PHASE", "canary")
	t.Setenv("SOAK_REGION", "eu-west")
	t.Setenv("SOAK_ARTIFACTS_DIR", "/var/run/soak")
	t.Setenv("SOAK_ITERATIONS", "48")
	t.Setenv("SOAK_SLEEP_SEC", "60")
	t.Setenv("SOAK_AUTO_TUNE", "false")
	t.Setenv("SOAK_MOCK", "true")
	t.Setenv("TUNING_NOISE_EPSILON", "0.001")
	t.Setenv("TUNING_RISK_EPSILON", "0.02")
	t.Setenv("TUNING_REGRESSION_THRESHOLD", "0.15")
	t.Setenv("TUNING_STABLE_ITERS", "3")
	t.Setenv("TUNING_FREEZE_WINDOW", "4")
	t.Setenv("SOAK_LOCK_STALE_HOURS", "2")
	t.Setenv("REDIS_URL", "redis://redis:6379")
	t.Setenv("SOAK_ENV", "prod")
	t.Setenv("SOAK_EXCHANGE", "binance")
	t.Setenv("ALERT_SLACK_WEBHOOK_URL", "https://hooks.slack.example/T000")
	t.Setenv("ALERT_COOLDOWN_SEC", "60")
	t.Setenv("ALERT_MAX_PER_MINUTE", "2")
	t.Setenv("ADMIN_PORT", "9090")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "canary", cfg.Run.Phase)
	assert.Equal(t, "eu-west", cfg.Run.Region)
	assert.Equal(t, "/var/run/soak", cfg.Run.ArtifactsDir)
	assert.Equal(t, 48, cfg.Run.Iterations)
	assert.Equal(t, time.Minute, cfg.Run.Sleep)
	assert.False(t, cfg.Run.AutoTune)
	assert.True(t, cfg.Run.Mock)
	assert.Equal(t, 0.001, cfg.Tuning.NoiseEpsilon)
	assert.Equal(t, 0.02, cfg.Tuning.RiskEpsilon)
	assert.Equal(t, 0.15, cfg.Tuning.RegressionThreshold)
	assert.Equal(t, 3, cfg.Tuning.StableIters)
	assert.Equal(t, 4, cfg.Tuning.FreezeWindow)
	assert.Equal(t, 2*time.Hour, cfg.Lock.StaleAfter)
	assert.Equal(t, "redis://redis:6379", cfg.Export.RedisURL)
	assert.Equal(t, "prod", cfg.Export.Env)
	assert.Equal(t, "binance", cfg.Export.Exchange)
	assert.Equal(t, "https://hooks.slack.example/T000", cfg.Alert.SlackWebhookURL)
	assert.Equal(t, time.Minute, cfg.Alert.Cooldown)
	assert.Equal(t, 2, cfg.Alert.MaxPerMinute)
	assert.Equal(t, 9090, cfg.Server.AdminPort)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsUnknownPhase(t *testing.T) {
	t.Setenv("SOAK_PHASE", "staging")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOAK_PHASE")
}

func TestLoad_RejectsBadIterations(t *testing.T) {
	t.Setenv("SOAK_ITERATIONS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOAK_ITERATIONS")
}

func TestValidate_EpsilonBounds(t *testing.T) {
	t.Setenv("TUNING_RISK_EPSILON", "-1")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TUNING_RISK_EPSILON")
}

func TestValidate_RegressionThresholdRange(t *testing.T) {
	t.Setenv("TUNING_REGRESSION_THRESHOLD", "1.5")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TUNING_REGRESSION_THRESHOLD")
}

func TestGetEnvInt_InvalidValue(t *testing.T) {
	t.Setenv("TEST_INT", "not_a_number")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 42))
}

func TestGetEnvInt_ValidValue(t *testing.T) {
	t.Setenv("TEST_INT", "99")
	assert.Equal(t, 99, getEnvInt("TEST_INT", 42))
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	assert.Equal(t, 0.25, getEnvFloat("TEST_FLOAT", 0.5))
	t.Setenv("TEST_FLOAT", "junk")
	assert.Equal(t, 0.5, getEnvFloat("TEST_FLOAT", 0.5))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	assert.True(t, getEnvBool("TEST_BOOL", false))
	t.Setenv("TEST_BOOL", "junk")
	assert.True(t, getEnvBool("TEST_BOOL", true))
}
