package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort  int
	ServerMode  string
	LogMode     string
	CORSOrigins []string

	DBDSN string

	// completion upstream
	OpenRouterAPIURL  string
	OpenRouterAPIKey  string
	DefaultModel      string
	OpenRouterSiteURL string
	OpenRouterAppName string
	CompletionTimeout time.Duration

	// optional redis, used for per-chat locking
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// audit sink: "db" writes log rows directly, "rabbitmq" hands them to the worker
	AuditSink         string
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int

	OTelEnabled     bool
	OTelEndpoint    string
	OTelInsecure    bool
	OTelSampleRatio float64
}

var ErrMissingDSN = errors.New("config: DATABASE_URL is required")

const (
	AuditSinkDB       = "db"
	AuditSinkRabbitMQ = "rabbitmq"
)

func Load() Config {
	v := viper.New()
	bindEnv(v)
	setDefaults(v)

	return Config{
		ServerPort:  v.GetInt("server.port"),
		ServerMode:  v.GetString("server.mode"),
		LogMode:     v.GetString("log.mode"),
		CORSOrigins: splitList(v.GetString("server.cors_origins")),

		DBDSN: strings.TrimSpace(v.GetString("database.url")),

		OpenRouterAPIURL:  strings.TrimSpace(v.GetString("openrouter.api_url")),
		OpenRouterAPIKey:  strings.TrimSpace(v.GetString("openrouter.api_key")),
		DefaultModel:      strings.TrimSpace(v.GetString("openrouter.model")),
		OpenRouterSiteURL: v.GetString("openrouter.site_url"),
		OpenRouterAppName: v.GetString("openrouter.app_name"),
		CompletionTimeout: v.GetDuration("openrouter.timeout"),

		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		RedisDB:       v.GetInt("redis.db"),

		AuditSink:         strings.ToLower(strings.TrimSpace(v.GetString("audit.sink"))),
		RabbitURL:         v.GetString("rabbit.url"),
		RabbitQueue:       v.GetString("rabbit.queue"),
		WorkerConcurrency: clamp(v.GetInt("worker.concurrency"), 1, 50),

		OTelEnabled:     v.GetBool("otel.enabled"),
		OTelEndpoint:    strings.TrimSpace(v.GetString("otel.endpoint")),
		OTelInsecure:    v.GetBool("otel.insecure"),
		OTelSampleRatio: clampRatio(v.GetFloat64("otel.sample_ratio")),
	}
}

// Validate reports settings the process cannot start without. A missing
// completion API key is not one of them: it is answered per request.
func (c Config) Validate() error {
	if c.DBDSN == "" {
		return ErrMissingDSN
	}
	switch c.AuditSink {
	case AuditSinkDB:
	case AuditSinkRabbitMQ:
		if c.RabbitURL == "" {
			return errors.New("config: RABBIT_URL is required when AUDIT_SINK=rabbitmq")
		}
	default:
		return errors.New("config: AUDIT_SINK must be one of db, rabbitmq")
	}
	if c.CompletionTimeout <= 0 {
		return errors.New("config: COMPLETION_TIMEOUT must be positive")
	}
	return nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT", "PORT")
	_ = v.BindEnv("server.mode", "SERVER_MODE")
	_ = v.BindEnv("server.cors_origins", "CORS_ORIGINS")
	_ = v.BindEnv("log.mode", "LOG_MODE")

	_ = v.BindEnv("database.url", "DATABASE_URL", "DB_DSN")

	_ = v.BindEnv("openrouter.api_url", "OPENROUTER_API_URL")
	_ = v.BindEnv("openrouter.api_key", "OPENROUTER_API_KEY")
	_ = v.BindEnv("openrouter.model", "DEFAULT_MODEL", "OPENROUTER_MODEL")
	_ = v.BindEnv("openrouter.site_url", "OPENROUTER_SITE_URL")
	_ = v.BindEnv("openrouter.app_name", "OPENROUTER_APP_NAME")
	_ = v.BindEnv("openrouter.timeout", "COMPLETION_TIMEOUT")

	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")

	_ = v.BindEnv("audit.sink", "AUDIT_SINK")
	_ = v.BindEnv("rabbit.url", "RABBIT_URL")
	_ = v.BindEnv("rabbit.queue", "RABBIT_QUEUE")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")

	_ = v.BindEnv("otel.enabled", "OTEL_ENABLED")
	_ = v.BindEnv("otel.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("otel.insecure", "OTEL_EXPORTER_OTLP_INSECURE")
	_ = v.BindEnv("otel.sample_ratio", "OTEL_SAMPLER_RATIO")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("log.mode", "dev")

	v.SetDefault("openrouter.api_url", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("openrouter.model", "openrouter/auto")
	v.SetDefault("openrouter.timeout", "30s")

	v.SetDefault("redis.db", 0)

	v.SetDefault("audit.sink", AuditSinkDB)
	v.SetDefault("rabbit.queue", "audit_logs")
	v.SetDefault("worker.concurrency", 2)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.sample_ratio", 0.1)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func clampRatio(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
