package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the RenderForge server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Gen      GenConfig
	Sandbox  SandboxConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port    int
	Env     string
	DataDir string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// NATSConfig is optional; an empty URL disables the event bus.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type GenConfig struct {
	Provider string
	Timeout  time.Duration
	OpenAI   OpenAIConfig
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type SandboxConfig struct {
	Image   string
	Timeout time.Duration
	Memory  string
	CPUs    string
	TmpSize string
}

type WorkerConfig struct {
	Count      int
	MaxRetries int
	Backoff    time.Duration
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:    envInt("RENDERFORGE_PORT", 8080),
			Env:     envString("RENDERFORGE_ENV", "development"),
			DataDir: envString("DATA_DIR", "./data"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: envString("NATS_SUBJECT_PREFIX", "renderforge.jobs"),
		},
		Gen: GenConfig{
			Provider: envString("GEN_PROVIDER", "mock"),
			Timeout:  envDuration("GEN_TIMEOUT", 90*time.Second),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
			},
		},
		Sandbox: SandboxConfig{
			Image:   envString("SANDBOX_IMAGE", "manimcommunity/manim:v0.18.1"),
			Timeout: envDuration("SANDBOX_TIMEOUT", 5*time.Minute),
			Memory:  envString("SANDBOX_MEMORY", "2g"),
			CPUs:    envString("SANDBOX_CPUS", "1.0"),
			TmpSize: envString("SANDBOX_TMP_SIZE", "512m"),
		},
		Worker: WorkerConfig{
			Count:      envInt("WORKER_COUNT", 2),
			MaxRetries: envInt("MAX_RETRIES", 2),
			Backoff:    envDuration("RETRY_BACKOFF", 2*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.Gen.Provider] {
		return fmt.Errorf("GEN_PROVIDER must be one of openai, mock; got %q", c.Gen.Provider)
	}
	if c.Gen.Provider == "openai" && c.Gen.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when GEN_PROVIDER is openai")
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE must not be empty")
	}
	if c.Sandbox.Timeout < time.Second {
		return fmt.Errorf("SANDBOX_TIMEOUT must be at least 1s, got %s", c.Sandbox.Timeout)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.Worker.Count)
	}
	if c.Worker.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.Worker.MaxRetries)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
