package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/escalation"
)

type Config struct {
	Run     RunConfig
	Tuning  TuningConfig
	Lock    LockConfig
	Export  ExportConfig
	Alert   AlertConfig
	Server  ServerConfig
	Tracing TracingConfig
	Log     LogConfig
}

type RunConfig struct {
	Phase        string
	Region       string
	ArtifactsDir string
	Iterations   int
	Sleep        time.Duration
	AutoTune     bool
	Mock         bool
}

type TuningConfig struct {
	// NoiseEpsilon is the absolute difference under which two parameter
	// values count as identical for freeze stability.
	NoiseEpsilon float64
	// RiskEpsilon is the tolerated divergence between independently
	// reported risk figures.
	RiskEpsilon float64
	// RegressionThreshold is the fractional KPI degradation versus the
	// baseline that counts as a regression.
	RegressionThreshold float64
	// StableIters is how many consecutive stable applied iterations freeze
	// a parameter; FreezeWindow is how many further iterations the freeze
	// holds.
	StableIters  int
	FreezeWindow int
}

type LockConfig struct {
	// StaleAfter is how old a lock file may be before another run may take
	// it over.
	StaleAfter time.Duration
}

type ExportConfig struct {
	RedisURL     string
	Env          string
	Exchange     string
	TTL          time.Duration
	MaxStreamLen int
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
	MaxPerMinute    int
}

type ServerConfig struct {
	AdminPort int
}

type TracingConfig struct {
	OTLPEndpoint string
	Insecure     bool
	SampleRatio  float64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Run: RunConfig{
			Phase:        getEnv("SOAK_PHASE", escalation.PhaseShadow),
			Region:       getEnv("SOAK_REGION", "local"),
			ArtifactsDir: getEnv("SOAK_ARTIFACTS_DIR", "artifacts"),
			Iterations:   getEnvInt("SOAK_ITERATIONS", 12),
			Sleep:        time.Duration(getEnvInt("SOAK_SLEEP_SEC", 300)) * time.Second,
			AutoTune:     getEnvBool("SOAK_AUTO_TUNE", true),
			Mock:         getEnvBool("SOAK_MOCK", false),
		},
		Tuning: TuningConfig{
			NoiseEpsilon:        getEnvFloat("TUNING_NOISE_EPSILON", 1e-9),
			RiskEpsilon:         getEnvFloat("TUNING_RISK_EPSILON", 0.05),
			RegressionThreshold: getEnvFloat("TUNING_REGRESSION_THRESHOLD", 0.10),
			StableIters:         getEnvInt("TUNING_STABLE_ITERS", 2),
			FreezeWindow:        getEnvInt("TUNING_FREEZE_WINDOW", 2),
		},
		Lock: LockConfig{
			StaleAfter: time.Duration(getEnvInt("SOAK_LOCK_STALE_HOURS", 6)) * time.Hour,
		},
		Export: ExportConfig{
			RedisURL:     getEnv("REDIS_URL", ""),
			Env:          getEnv("SOAK_ENV", "dev"),
			Exchange:     getEnv("SOAK_EXCHANGE", "bybit"),
			TTL:          time.Duration(getEnvInt("EXPORT_TTL_HOURS", 48)) * time.Hour,
			MaxStreamLen: getEnvInt("EXPORT_STREAM_MAXLEN", 10000),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
			MaxPerMinute:    getEnvInt("ALERT_MAX_PER_MINUTE", 6),
		},
		Server: ServerConfig{
			AdminPort: getEnvInt("ADMIN_PORT", 8080),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:     getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration. Called by Load, and again by callers
// that override fields after loading (command-line flags).
func (c *Config) Validate() error {
	if !escalation.KnownPhase(c.Run.Phase) {
		return fmt.Errorf("SOAK_PHASE %q is not a known phase", c.Run.Phase)
	}
	if c.Run.Region == "" {
		return fmt.Errorf("SOAK_REGION is required")
	}
	if c.Run.Iterations < 1 {
		return fmt.Errorf("SOAK_ITERATIONS must be at least 1")
	}
	if c.Tuning.NoiseEpsilon <= 0 {
		return fmt.Errorf("TUNING_NOISE_EPSILON must be positive")
	}
	if c.Tuning.RiskEpsilon <= 0 {
		return fmt.Errorf("TUNING_RISK_EPSILON must be positive")
	}
	if c.Tuning.RegressionThreshold <= 0 || c.Tuning.RegressionThreshold >= 1 {
		return fmt.Errorf("TUNING_REGRESSION_THRESHOLD must be in (0, 1)")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
