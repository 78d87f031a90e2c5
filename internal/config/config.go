package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/noah-isme/gema-assessment/internal/assessment"
)

// Config holds runtime configuration values for the assessment service.
type Config struct {
	AppName           string
	AppEnv            string
	AppPort           string
	AllowOrigins      string
	DatabaseURL       string
	RedisURL          string
	NATSURL           string
	ChannelBase       string
	JWTSecret         string
	DockerHost        string
	ExecutionTimeout  time.Duration
	EvaluationTimeout time.Duration
	CodeRunMemoryMB   int
	CodeRunCPUShares  int
	MaxTestRuns       int
	FractionalScoring bool
	GradeTable        assessment.GradeTable
	SnapshotCacheTTL  time.Duration
	SessionRetention  time.Duration
	EvaluateRateLimit int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Assessment")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.allow_origins", "*")
	v.SetDefault("channel.base", "gema")
	v.SetDefault("execution_timeout_ms", 5000)
	v.SetDefault("evaluation_timeout_ms", 30000)
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)
	v.SetDefault("assessment.max_test_runs", assessment.MaxTestRuns)
	v.SetDefault("assessment.fractional_scoring", false)
	v.SetDefault("assessment.grades", "90:A+,80:A,70:B+,60:B,50:C,40:D,0:F")
	v.SetDefault("assessment.snapshot_ttl", "2h")
	v.SetDefault("assessment.retention", "15m")
	v.SetDefault("assessment.evaluate_rate_limit", 30)

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	snapshotTTL, err := parseDuration(v, "assessment.snapshot_ttl", 2*time.Hour)
	if err != nil {
		return Config{}, err
	}
	retention, err := parseDuration(v, "assessment.retention", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}

	grades, err := assessment.ParseGradeTable(v.GetString("assessment.grades"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grade table: %w", err)
	}

	execTimeoutMs := v.GetInt("execution_timeout_ms")
	if execTimeoutMs <= 0 {
		execTimeoutMs = 5000
	}
	evalTimeoutMs := v.GetInt("evaluation_timeout_ms")
	if evalTimeoutMs <= 0 {
		evalTimeoutMs = 30000
	}

	cfg := Config{
		AppName:           v.GetString("app.name"),
		AppEnv:            v.GetString("app.env"),
		AppPort:           v.GetString("app.port"),
		AllowOrigins:      v.GetString("app.allow_origins"),
		DatabaseURL:       v.GetString("database.url"),
		RedisURL:          v.GetString("redis.url"),
		NATSURL:           v.GetString("nats.url"),
		ChannelBase:       v.GetString("channel.base"),
		JWTSecret:         v.GetString("jwt.secret"),
		DockerHost:        v.GetString("docker_host"),
		ExecutionTimeout:  time.Duration(execTimeoutMs) * time.Millisecond,
		EvaluationTimeout: time.Duration(evalTimeoutMs) * time.Millisecond,
		CodeRunMemoryMB:   v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares:  v.GetInt("code_run_cpu_shares"),
		MaxTestRuns:       v.GetInt("assessment.max_test_runs"),
		FractionalScoring: v.GetBool("assessment.fractional_scoring"),
		GradeTable:        grades,
		SnapshotCacheTTL:  snapshotTTL,
		SessionRetention:  retention,
		EvaluateRateLimit: v.GetInt("assessment.evaluate_rate_limit"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.EvaluationTimeout < cfg.ExecutionTimeout {
		return Config{}, fmt.Errorf("evaluation timeout %s must not be shorter than execution timeout %s", cfg.EvaluationTimeout, cfg.ExecutionTimeout)
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}
	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}
	if cfg.MaxTestRuns <= 0 {
		cfg.MaxTestRuns = assessment.MaxTestRuns
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
