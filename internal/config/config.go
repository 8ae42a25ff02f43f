// Package config provides configuration management for solvetrace.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCollectorPort is the port the collector service listens on.
	DefaultCollectorPort = 37800

	// DefaultThrottleFactor is how many edits make one code_changed event.
	DefaultThrottleFactor = 10

	// DefaultFlushInterval is the period of the background flush.
	DefaultFlushInterval = 5 * time.Minute

	// DefaultUploadConcurrency bounds parallel session uploads within one flush.
	DefaultUploadConcurrency = 4

	// DefaultRemoteTimeout bounds a single remote store call.
	DefaultRemoteTimeout = 10 * time.Second

	dataDirName      = ".solvetrace"
	settingsFileJSON = "settings.json"
	settingsFileYAML = "settings.yaml"
)

// Buffer backends.
const (
	BufferBackendSQLite = "sqlite"
	BufferBackendFile   = "file"
)

// Collector backends.
const (
	CollectorBackendMemory   = "memory"
	CollectorBackendPostgres = "postgres"
	CollectorBackendRedis    = "redis"
)

// Config holds solvetrace settings.
type Config struct {
	BufferBackend     string        `json:"buffer_backend"`
	BufferPath        string        `json:"buffer_path"`
	SpoolDir          string        `json:"spool_dir"`
	RemoteURL         string        `json:"remote_url"`
	CollectorAddr     string        `json:"collector_addr"`
	CollectorBackend  string        `json:"collector_backend"`
	PostgresDSN       string        `json:"postgres_dsn"`
	RedisAddr         string        `json:"redis_addr"`
	LogLevel          string        `json:"log_level"`
	ThrottleFactor    int           `json:"throttle_factor"`
	UploadConcurrency int           `json:"upload_concurrency"`
	MaxConns          int           `json:"max_conns"`
	FlushInterval     time.Duration `json:"flush_interval"`
	RemoteTimeout     time.Duration `json:"remote_timeout"`
	SpoolRetry        time.Duration `json:"spool_retry"`
}

var (
	cached   *Config
	cachedMu sync.Mutex
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BufferBackend:     BufferBackendSQLite,
		BufferPath:        BufferPath(),
		SpoolDir:          SpoolDir(),
		RemoteURL:         fmt.Sprintf("http://127.0.0.1:%d", DefaultCollectorPort),
		CollectorAddr:     fmt.Sprintf("127.0.0.1:%d", DefaultCollectorPort),
		CollectorBackend:  CollectorBackendMemory,
		RedisAddr:         "127.0.0.1:6379",
		LogLevel:          "info",
		ThrottleFactor:    DefaultThrottleFactor,
		UploadConcurrency: DefaultUploadConcurrency,
		MaxConns:          4,
		FlushInterval:     DefaultFlushInterval,
		RemoteTimeout:     DefaultRemoteTimeout,
		SpoolRetry:        time.Minute,
	}
}

// DataDir returns the data directory path.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// BufferPath returns the default local buffer database path.
func BufferPath() string {
	return filepath.Join(DataDir(), "buffer.db")
}

// SpoolDir returns the default unload spool directory.
func SpoolDir() string {
	return filepath.Join(DataDir(), "spool")
}

// SettingsPath returns the JSON settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsFileJSON)
}

// EnsureDataDir creates the data directory if needed.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSpoolDir creates the spool directory if needed.
func EnsureSpoolDir() error {
	return os.MkdirAll(SpoolDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	d := Default()
	settings := map[string]any{
		"SOLVETRACE_THROTTLE_FACTOR": d.ThrottleFactor,
		"SOLVETRACE_FLUSH_INTERVAL":  d.FlushInterval.String(),
		"SOLVETRACE_REMOTE_URL":      d.RemoteURL,
		"SOLVETRACE_BUFFER_BACKEND":  d.BufferBackend,
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default settings: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory, the spool directory and the settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	if err := EnsureSpoolDir(); err != nil {
		return fmt.Errorf("ensure spool dir: %w", err)
	}
	return EnsureSettings()
}

// Load reads settings from the data directory and applies environment
// overrides. A missing or unreadable settings file yields defaults.
func Load() (*Config, error) {
	cfg := Default()

	settings, err := readSettings()
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable settings file")
		settings = nil
	}
	for key, value := range settings {
		cfg.apply(key, fmt.Sprint(value))
	}

	for _, key := range settingKeys {
		if value, ok := os.LookupEnv(key); ok && value != "" {
			cfg.apply(key, value)
		}
	}
	return cfg, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	cachedMu.Lock()
	defer cachedMu.Unlock()
	if cached == nil {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		cached = cfg
	}
	return cached
}

// Reset drops the cached configuration.
func Reset() {
	cachedMu.Lock()
	cached = nil
	cachedMu.Unlock()
}

var settingKeys = []string{
	"SOLVETRACE_BUFFER_BACKEND",
	"SOLVETRACE_BUFFER_PATH",
	"SOLVETRACE_SPOOL_DIR",
	"SOLVETRACE_REMOTE_URL",
	"SOLVETRACE_COLLECTOR_ADDR",
	"SOLVETRACE_COLLECTOR_BACKEND",
	"SOLVETRACE_POSTGRES_DSN",
	"SOLVETRACE_REDIS_ADDR",
	"SOLVETRACE_LOG_LEVEL",
	"SOLVETRACE_THROTTLE_FACTOR",
	"SOLVETRACE_UPLOAD_CONCURRENCY",
	"SOLVETRACE_MAX_CONNS",
	"SOLVETRACE_FLUSH_INTERVAL",
	"SOLVETRACE_REMOTE_TIMEOUT",
	"SOLVETRACE_SPOOL_RETRY",
}

// readSettings loads settings.json, falling back to settings.yaml.
func readSettings() (map[string]any, error) {
	settings := make(map[string]any)

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parse %s: %w", settingsFileJSON, err)
		}
		return settings, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err = os.ReadFile(filepath.Join(DataDir(), settingsFileYAML))
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", settingsFileYAML, err)
	}
	return settings, nil
}

// apply sets one setting. Invalid values keep the current value.
func (c *Config) apply(key, value string) {
	value = strings.TrimSpace(value)
	switch key {
	case "SOLVETRACE_BUFFER_BACKEND":
		if value == BufferBackendSQLite || value == BufferBackendFile {
			c.BufferBackend = value
		}
	case "SOLVETRACE_BUFFER_PATH":
		c.BufferPath = value
	case "SOLVETRACE_SPOOL_DIR":
		c.SpoolDir = value
	case "SOLVETRACE_REMOTE_URL":
		c.RemoteURL = strings.TrimRight(value, "/")
	case "SOLVETRACE_COLLECTOR_ADDR":
		c.CollectorAddr = value
	case "SOLVETRACE_COLLECTOR_BACKEND":
		c.CollectorBackend = value
	case "SOLVETRACE_POSTGRES_DSN":
		c.PostgresDSN = value
	case "SOLVETRACE_REDIS_ADDR":
		c.RedisAddr = value
	case "SOLVETRACE_LOG_LEVEL":
		c.LogLevel = value
	case "SOLVETRACE_THROTTLE_FACTOR":
		setPositiveInt(&c.ThrottleFactor, value)
	case "SOLVETRACE_UPLOAD_CONCURRENCY":
		setPositiveInt(&c.UploadConcurrency, value)
	case "SOLVETRACE_MAX_CONNS":
		setPositiveInt(&c.MaxConns, value)
	case "SOLVETRACE_FLUSH_INTERVAL":
		setDuration(&c.FlushInterval, value)
	case "SOLVETRACE_REMOTE_TIMEOUT":
		setDuration(&c.RemoteTimeout, value)
	case "SOLVETRACE_SPOOL_RETRY":
		setDuration(&c.SpoolRetry, value)
	}
}

func setPositiveInt(dst *int, value string) {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		*dst = n
	}
}

// setDuration accepts Go duration strings ("5m") or plain seconds ("300").
func setDuration(dst *time.Duration, value string) {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		*dst = time.Duration(secs) * time.Second
	}
}

// splitTrim splits a comma-separated list, trimming and dropping empty values.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Topics parses a comma-separated topic list as used by the CLI.
func Topics(s string) []string {
	return splitTrim(s)
}
