package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location; LIBRARY_CONFIG overrides it.
const ConfigPath = "config.yaml"

const (
	defaultPort        = "8080"
	defaultLogLevel    = "info"
	defaultLockTimeout = 5 * time.Second
)

// FileConfig represents configuration loaded from YAML, then overridden by environment.
type FileConfig struct {
	Port          string `yaml:"port" env:"LIBRARY_PORT"`
	DatabaseURL   string `yaml:"databaseURL" env:"DATABASE_URL"`
	LogLevel      string `yaml:"logLevel" env:"LOG_LEVEL"`
	RedisAddr     string `yaml:"redisAddr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"REDIS_PASSWORD"`
	// LockTimeout bounds how long a borrow/return waits for its keys.
	LockTimeout   time.Duration `yaml:"lockTimeout" env:"LIBRARY_LOCK_TIMEOUT"`
	TokenSecret   string        `yaml:"tokenSecret" env:"LIBRARY_TOKEN_SECRET"`
	TokenIssuer   string        `yaml:"tokenIssuer" env:"LIBRARY_TOKEN_ISSUER"`
	TokenAudience string        `yaml:"tokenAudience" env:"LIBRARY_TOKEN_AUDIENCE"`
	// EventStream names the Redis stream lending events go to. Requires redisAddr.
	EventStream string `yaml:"eventStream" env:"LIBRARY_EVENT_STREAM"`
	// BorrowRateLimitPerMinute caps borrow/return calls per member. Zero disables it.
	BorrowRateLimitPerMinute int `yaml:"borrowRateLimitPerMinute" env:"LIBRARY_BORROW_RATE_LIMIT"`
	// CORSOrigins lists browser origins allowed to call the API. Empty allows any.
	CORSOrigins []string `yaml:"corsOrigins" env:"LIBRARY_CORS_ORIGINS" envSeparator:","`
}

// ResolvePath picks the config path from LIBRARY_CONFIG, falling back to ConfigPath.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("LIBRARY_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to config.yaml). A missing file is
// allowed when the environment supplies every required value.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.LockTimeout < 0 {
		return errors.New("config: lockTimeout must be positive")
	}
	if len(strings.TrimSpace(cfg.TokenSecret)) < 16 {
		return errors.New("config: tokenSecret must be at least 16 characters (set in config.yaml or LIBRARY_TOKEN_SECRET)")
	}
	if cfg.BorrowRateLimitPerMinute < 0 {
		return errors.New("config: borrowRateLimitPerMinute must be >= 0")
	}
	if cfg.BorrowRateLimitPerMinute > 0 && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: borrowRateLimitPerMinute requires redisAddr")
	}
	if strings.TrimSpace(cfg.EventStream) != "" && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: eventStream requires redisAddr")
	}
	return nil
}
