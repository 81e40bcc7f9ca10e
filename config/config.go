// Package config loads the client configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the chat client needs to reach its
// collaborators. The credential is the only required field.
type Config struct {
	ServerURL      string `env:"ENTREVISTA_SERVER_URL" envDefault:"wss://localhost:8443/ws/interview"`
	UploadURL      string `env:"ENTREVISTA_UPLOAD_URL" envDefault:"https://localhost:8443/api/uploads"`
	AssignmentsURL string `env:"ENTREVISTA_ASSIGNMENTS_URL" envDefault:"https://localhost:8443/api/assignments"`
	Token          string `env:"ENTREVISTA_TOKEN"`
	DropDir        string `env:"ENTREVISTA_DROP_DIR"`

	JoinTimeoutSeconds   int `env:"ENTREVISTA_JOIN_TIMEOUT_SECONDS" envDefault:"15"`
	UploadTimeoutSeconds int `env:"ENTREVISTA_UPLOAD_TIMEOUT_SECONDS" envDefault:"30"`
	UploadRetries        int `env:"ENTREVISTA_UPLOAD_RETRIES" envDefault:"2"`
}

func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}

func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}

// Validate fails fast on configuration a connection attempt could never
// recover from.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("ENTREVISTA_TOKEN environment variable is not set")
	}
	if c.JoinTimeoutSeconds <= 0 {
		return fmt.Errorf("ENTREVISTA_JOIN_TIMEOUT_SECONDS must be positive")
	}
	if c.UploadTimeoutSeconds <= 0 {
		return fmt.Errorf("ENTREVISTA_UPLOAD_TIMEOUT_SECONDS must be positive")
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("ENTREVISTA_UPLOAD_RETRIES must not be negative")
	}
	return nil
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
