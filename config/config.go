package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	LogLevel       string
	LogFormat      string
	DefaultRoom    string
	PingInterval   time.Duration
	StatusInterval time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	MDNSEnabled    bool
	MDNSInstance   string
	TraceEnabled   bool
	MetricsPrefix  string
}

func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return Config{
		Port:           "8080",
		LogLevel:       "info",
		LogFormat:      "text",
		DefaultRoom:    "default",
		PingInterval:   30 * time.Second,
		StatusInterval: 60 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 1 << 20,
		MDNSInstance:   "codee-" + host,
		MetricsPrefix:  "codee",
	}
}

// Load reads .env (if present) and the environment on top of Default.
// Unparseable values keep their default and are logged.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv on top of Default.
func FromEnv(getenv func(string) string) Config {
	cfg := Default()

	if v := getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("DEFAULT_ROOM"); v != "" {
		cfg.DefaultRoom = v
	}
	if v := getenv("MDNS_INSTANCE"); v != "" {
		cfg.MDNSInstance = v
	}
	duration(getenv, "PING_INTERVAL", &cfg.PingInterval)
	if v := getenv("METRICS_NAMESPACE"); v != "" {
		cfg.MetricsPrefix = v
	}
	duration(getenv, "STATUS_INTERVAL", &cfg.StatusInterval)
	duration(getenv, "WRITE_WAIT", &cfg.WriteWait)
	integer(getenv, "SEND_BUFFER", &cfg.SendBuffer)
	if v := getenv("MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxMessageSize = n
		} else {
			slog.Warn("invalid MAX_MESSAGE_SIZE, using default", "value", v)
		}
	}
	boolean(getenv, "MDNS_ENABLED", &cfg.MDNSEnabled)
	boolean(getenv, "OTEL_ENABLED", &cfg.TraceEnabled)
	return cfg
}

func boolean(getenv func(string) string, key string, dst *bool) {
	v := getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid boolean, using default", "key", key, "value", v)
		return
	}
	*dst = b
}

func duration(getenv func(string) string, key string, dst *time.Duration) {
	v := getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return
	}
	*dst = d
}

func integer(getenv func(string) string, key string, dst *int) {
	v := getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", v)
		return
	}
	*dst = n
}

func (c Config) Addr() string {
	return ":" + c.Port
}

func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	} else if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}
	if c.DefaultRoom == "" {
		errs = append(errs, errors.New("default room is required"))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("ping interval must be positive, got %s", c.PingInterval))
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, fmt.Errorf("status interval must be positive, got %s", c.StatusInterval))
	}
	if c.WriteWait <= 0 {
		errs = append(errs, fmt.Errorf("write wait must be positive, got %s", c.WriteWait))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
