// Package config loads the turnsync client configuration.
//
// Values come from, in increasing precedence: built-in defaults, a TOML file,
// TURNSYNC_* environment variables and finally command line flags (applied by
// the caller).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/maruel/turnsync/internal/api"
	"github.com/maruel/turnsync/internal/conversation"
)

// Config is the client configuration.
type Config struct {
	BaseURL         string   `toml:"base_url"`
	StateFile       string   `toml:"state_file"`
	HistoryPageSize int      `toml:"history_page_size"`
	LogLevel        string   `toml:"log_level"`
	RequestTimeout  Duration `toml:"request_timeout"`
	RequestEncoding string   `toml:"request_encoding"`
}

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:         "http://localhost:8080",
		StateFile:       filepath.Join(cacheDir(), "state.json"),
		HistoryPageSize: conversation.DefaultPageSize,
		LogLevel:        "info",
		RequestTimeout:  Duration{30 * time.Second},
	}
}

// DefaultPath is the configuration file read when none is specified.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "turnsync", "config.toml")
}

func cacheDir() string {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "turnsync")
}

// Load reads path on top of the defaults and applies the environment.
//
// When path is empty DefaultPath is tried and may be missing. An explicit path
// must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	md, err := toml.DecodeFile(path, cfg)
	switch {
	case err == nil:
		for _, k := range md.Undecoded() {
			slog.Warn("config: unknown key", "file", path, "key", k.String())
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TURNSYNC_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("TURNSYNC_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := getenv("TURNSYNC_STATE_FILE"); v != "" {
		c.StateFile = v
	}
	if v := getenv("TURNSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("TURNSYNC_REQUEST_ENCODING"); v != "" {
		c.RequestEncoding = v
	}
	if v := getenv("TURNSYNC_HISTORY_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TURNSYNC_HISTORY_PAGE_SIZE: %w", err)
		}
		c.HistoryPageSize = n
	}
	if v := getenv("TURNSYNC_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TURNSYNC_REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout.Duration = d
	}
	return nil
}

// ValidationError is a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors is every invalid field found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration. It returns ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors
	if c.BaseURL == "" {
		errs = append(errs, ValidationError{"base_url", "must be set"})
	} else if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		errs = append(errs, ValidationError{"base_url", "must be an http or https URL"})
	}
	if c.HistoryPageSize <= 0 {
		errs = append(errs, ValidationError{"history_page_size", "must be positive"})
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"log_level", fmt.Sprintf("unknown level %q", c.LogLevel)})
	}
	if c.RequestTimeout.Duration < 0 {
		errs = append(errs, ValidationError{"request_timeout", "must not be negative"})
	}
	if !api.ValidEncoding(c.RequestEncoding) {
		errs = append(errs, ValidationError{"request_encoding", fmt.Sprintf("unsupported %q", c.RequestEncoding)})
	}
	if len(errs) != 0 {
		return errs
	}
	return nil
}
