package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// WorkerConfig holds settings only the background worker needs. They are read
// from WORKER_* environment variables.
type WorkerConfig struct {
	Concurrency     int           `envconfig:"CONCURRENCY" default:"10"`
	HealthAddr      string        `envconfig:"HEALTH_ADDR" default:":8081"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	Development     bool          `envconfig:"DEVELOPMENT" default:"false"`

	SMTPHost        string        `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort        int           `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser        string        `envconfig:"SMTP_USER"`
	SMTPPassword    string        `envconfig:"SMTP_PASSWORD"`
	SMTPMaxFailures uint32        `envconfig:"SMTP_MAX_FAILURES" default:"5"`
	SMTPCooldown    time.Duration `envconfig:"SMTP_COOLDOWN" default:"30s"`
	MailFrom        string        `envconfig:"MAIL_FROM" default:"no-reply@teletherapy.local"`
}

func LoadWorkerConfig() (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := envconfig.Process("worker", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be greater than 0")
	}
	return &cfg, nil
}
