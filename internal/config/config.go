// Package config loads process configuration from the environment and
// optional .env files, and builds the process logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// DefaultEnvFiles are read, when present, before the environment is parsed.
// Variables already set in the environment win.
var DefaultEnvFiles = []string{".env", ".env.local"}

type Server struct {
	Addr            string        `env:"GRIDSYNC_ADDR" envDefault:":8080" validate:"required"`
	StoreDSN        string        `env:"GRIDSYNC_STORE_DSN" envDefault:"memory://"`
	JWTSecret       string        `env:"GRIDSYNC_JWT_SECRET" envDefault:"dev-secret" validate:"required"`
	ArchivedPeriods []string      `env:"GRIDSYNC_ARCHIVED_PERIODS" envSeparator:","`
	PolicyFile      string        `env:"GRIDSYNC_POLICY_FILE"`
	RateLimit       float64       `env:"GRIDSYNC_RATE_LIMIT" envDefault:"0" validate:"gte=0"`
	RateBurst       int           `env:"GRIDSYNC_RATE_BURST" envDefault:"20" validate:"gte=1"`
	MaxBodyBytes    int64         `env:"GRIDSYNC_MAX_BODY_BYTES" envDefault:"1048576" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"GRIDSYNC_SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	LogLevel        string        `env:"GRIDSYNC_LOG_LEVEL" envDefault:"info" validate:"oneof=silent error warn info debug"`
}

type Client struct {
	BaseURL   string `env:"GRIDSYNC_BASE_URL" envDefault:"http://127.0.0.1:8080" validate:"required,url"`
	SocketURL string `env:"GRIDSYNC_SOCKET_URL" validate:"omitempty,url"`
	Token     string `env:"GRIDSYNC_TOKEN"`
	UserID    int64  `env:"GRIDSYNC_USER_ID" validate:"gte=0"`
	Role      string `env:"GRIDSYNC_ROLE" envDefault:"manager" validate:"required"`
	Table     string `env:"GRIDSYNC_TABLE" envDefault:"transport_accounting"`
	// FallbackList receives broadcasts that name no list.
	FallbackList   string        `env:"GRIDSYNC_FALLBACK_LIST"`
	DeletePayload  string        `env:"GRIDSYNC_DELETE_PAYLOAD" envDefault:"ids" validate:"oneof=ids wrapped"`
	Debounce       time.Duration `env:"GRIDSYNC_DEBOUNCE" envDefault:"300ms" validate:"gte=0"`
	MaxBatch       int           `env:"GRIDSYNC_MAX_BATCH" envDefault:"100" validate:"gte=1"`
	HTTPTimeout    time.Duration `env:"GRIDSYNC_HTTP_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	ResyncInterval time.Duration `env:"GRIDSYNC_RESYNC_INTERVAL" envDefault:"0s" validate:"gte=0"`
	PolicyFile     string        `env:"GRIDSYNC_POLICY_FILE"`
	LogLevel       string        `env:"GRIDSYNC_LOG_LEVEL" envDefault:"info" validate:"oneof=silent error warn info debug"`
}

// SocketEndpoint returns SocketURL, or the base URL's /ws endpoint with a
// websocket scheme when none is configured.
func (c Client) SocketEndpoint() string {
	if strings.TrimSpace(c.SocketURL) != "" {
		return c.SocketURL
	}
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

var validate = validator.New()

// LoadEnv loads the env files that exist and reports how many were read.
func LoadEnv(files []string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

func LoadServer(files ...string) (Server, error) {
	var cfg Server
	if err := load(files, &cfg); err != nil {
		return Server{}, err
	}
	cfg.ArchivedPeriods = trimAll(cfg.ArchivedPeriods)
	return cfg, nil
}

func LoadClient(files ...string) (Client, error) {
	var cfg Client
	if err := load(files, &cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func load(files []string, dst any) error {
	if files == nil {
		files = DefaultEnvFiles
	}
	if _, err := LoadEnv(files); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	if err := env.Parse(dst); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			return fmt.Errorf("invalid configuration: %s failed %q", invalid[0].Namespace(), invalid[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

// NewLogger builds a text logger on stderr. "silent" discards everything.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent":
		logger.SetOutput(io.Discard)
		logger.SetLevel(logrus.PanicLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
