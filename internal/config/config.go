package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	StoreFile     = "file"
	StoreDynamoDB = "dynamodb"
	StoreMemory   = "memory"
)

// Config holds bus configuration.
type Config struct {
	BusDir            string
	Store             string
	Table             string
	PollInterval      time.Duration
	SweepGrace        time.Duration
	Responder         string
	ParamPrefix       string
	ResponderSecret   string
	ResponderInsecure bool
	TelegramChatID    string
	TelegramBotToken  string
	LogLevel          string
	LogFormat         string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	store := strings.ToLower(strings.TrimSpace(os.Getenv("ORDINAL_STORE")))
	if store == "" {
		store = StoreFile
	}
	switch store {
	case StoreFile, StoreDynamoDB, StoreMemory:
	default:
		return nil, fmt.Errorf("config: ORDINAL_STORE must be file, dynamodb or memory, got %q", store)
	}

	busDir := os.Getenv("ORDINAL_BUS_DIR")
	if busDir == "" {
		home, err := os.UserHomeDir()
		switch {
		case err == nil:
			busDir = filepath.Join(home, ".rhode", "bus")
		case store == StoreFile:
			return nil, fmt.Errorf("config: resolve home directory: %w", err)
		}
	}

	table := os.Getenv("ORDINAL_TABLE")
	if store == StoreDynamoDB && table == "" {
		return nil, fmt.Errorf("config: ORDINAL_TABLE is required when ORDINAL_STORE=%s", StoreDynamoDB)
	}

	poll, err := envDuration("ORDINAL_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}
	grace, err := envDuration("ORDINAL_SWEEP_GRACE", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	insecure, err := envBool("ORDINAL_RESPONDER_INSECURE")
	if err != nil {
		return nil, err
	}

	responder := os.Getenv("ORDINAL_RESPONDER")
	if responder == "" {
		responder = "oracle"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if logFormat == "" {
		logFormat = "text"
	}

	return &Config{
		BusDir:            busDir,
		Store:             store,
		Table:             table,
		PollInterval:      poll,
		SweepGrace:        grace,
		Responder:         responder,
		ParamPrefix:       strings.TrimSpace(os.Getenv("ORDINAL_PARAM_PREFIX")),
		ResponderSecret:   os.Getenv("ORDINAL_RESPONDER_SECRET"),
		ResponderInsecure: insecure,
		TelegramChatID:    strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		LogLevel:          logLevel,
		LogFormat:         logFormat,
	}, nil
}

// Location describes the configured store for status output.
func (c *Config) Location() string {
	switch c.Store {
	case StoreDynamoDB:
		return "dynamodb://" + c.Table
	case StoreMemory:
		return "memory"
	default:
		return c.BusDir
	}
}

// NewLogger builds the process logger. w should be stderr whenever stdout
// carries protocol traffic.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func envBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return b, nil
}

// envDuration accepts Go durations ("1500ms") or whole seconds ("2").
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("config: %s must be positive", key)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}
