// Package config loads the service configuration once at startup.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trackshift/platform/converter/internal/native"
)

const bytesPerMB = 1024 * 1024

// maxUploadMB keeps MaxUploadBytes within int64.
const maxUploadMB = math.MaxInt64 / bytesPerMB

// Config is built by Load and must not be modified afterwards.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	InputDir    string `yaml:"in_dir"`
	OutputDir   string `yaml:"out_dir"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level"`

	NativeMode    string        `yaml:"native_mode"`
	ConverterBin  string        `yaml:"converter_bin"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	NativeTimeout time.Duration `yaml:"native_timeout"`

	GRPCBind           string        `yaml:"grpc_bind"`
	PostgresDSN        string        `yaml:"postgres_dsn"`
	RateLimitRPS       float64       `yaml:"rate_limit_rps"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	workers := runtime.NumCPU()
	return Config{
		DataDir:            "/data",
		MaxUploadMB:        1024,
		Port:               8080,
		LogLevel:           "info",
		NativeMode:         native.ModeLibrary,
		Workers:            workers,
		QueueSize:          workers * 4,
		CORSAllowedOrigins: []string{"*"},
		ShutdownTimeout:    30 * time.Second,
	}
}

// Load applies defaults, then the YAML file named by CONFIG_FILE (if any),
// then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	if cfg.InputDir == "" {
		cfg.InputDir = filepath.Join(cfg.DataDir, "in")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(cfg.DataDir, "out")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.DataDir = env("DATA_DIR", c.DataDir)
	c.InputDir = env("IN_DIR", c.InputDir)
	c.OutputDir = env("OUT_DIR", c.OutputDir)
	c.MaxUploadMB = int64Env("MAX_UPLOAD_MB", c.MaxUploadMB)
	c.Port = int(int64Env("PORT", int64(c.Port)))
	c.LogLevel = env("LOG_LEVEL", c.LogLevel)

	c.NativeMode = strings.ToLower(env("NATIVE_MODE", c.NativeMode))
	c.ConverterBin = env("CONVERTER_BIN", c.ConverterBin)
	c.Workers = int(int64Env("CONVERTER_WORKERS", int64(c.Workers)))
	c.QueueSize = int(int64Env("CONVERTER_QUEUE", int64(c.QueueSize)))
	c.NativeTimeout = durationEnv("NATIVE_TIMEOUT", c.NativeTimeout)

	c.GRPCBind = env("GRPC_BIND", c.GRPCBind)
	c.PostgresDSN = env("POSTGRES_DSN", c.PostgresDSN)
	c.RateLimitRPS = floatEnv("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = int(int64Env("RATE_LIMIT_BURST", int64(c.RateLimitBurst)))
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		c.CORSAllowedOrigins = splitCSV(raw)
	}
	c.ShutdownTimeout = durationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.MaxUploadMB <= 0:
		return errors.New("MAX_UPLOAD_MB must be positive")
	case c.MaxUploadMB > maxUploadMB:
		return fmt.Errorf("MAX_UPLOAD_MB must not exceed %d", int64(maxUploadMB))
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.Workers <= 0:
		return errors.New("CONVERTER_WORKERS must be positive")
	case c.QueueSize < 0:
		return errors.New("CONVERTER_QUEUE must not be negative")
	case c.NativeTimeout < 0:
		return errors.New("NATIVE_TIMEOUT must not be negative")
	case c.InputDir == "" || c.OutputDir == "":
		return errors.New("input and output directories are required")
	}
	switch c.NativeMode {
	case native.ModeLibrary, native.ModeStub:
	case native.ModeExec:
		if c.ConverterBin == "" {
			return errors.New("CONVERTER_BIN is required when NATIVE_MODE=exec")
		}
	default:
		return fmt.Errorf("unknown NATIVE_MODE %q", c.NativeMode)
	}
	return nil
}

// MaxUploadBytes is the upload budget in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB * bytesPerMB
}

// HTTPAddr is the listen address for the HTTP server.
func (c *Config) HTTPAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func int64Env(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func floatEnv(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed
		}
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
