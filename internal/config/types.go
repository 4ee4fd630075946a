// Package config loads, validates, and watches the mailflow configuration.
//
// Files may be JSON or YAML (decoded strictly either way). SMTP credentials
// can be overlaid from a .env file so secrets stay out of the config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	SMTP      SMTPConfig      `json:"smtp"`
	Sender    SenderConfig    `json:"sender"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Daemon    DaemonConfig    `json:"daemon,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	// Password is normally supplied via .env (SMTP_PASSWORD), not here.
	Password string `json:"password,omitempty"`

	// Encryption is one of "starttls" (default), "ssl", "none".
	Encryption string `json:"encryption,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	HELOName   string `json:"helo_name,omitempty"`
}

// SenderConfig is who the emails appear to come from.
type SenderConfig struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// RateLimitConfig keeps providers happy. The defaults are conservative:
// better slow and delivered than fast and spam-filtered.
//
// Defaults (when fields are omitted/zero):
//   - emails_per_minute: 8
//   - max_retries: 3
//   - retry_delay: "1m"
type RateLimitConfig struct {
	EmailsPerMinute int    `json:"emails_per_minute,omitempty"`
	MaxRetries      int    `json:"max_retries,omitempty"`
	RetryDelay      string `json:"retry_delay,omitempty"`
}

// DaemonConfig controls the scheduled-delivery poll loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - max_attempts: 5
//   - retry_backoff: "1m"
//   - retention: "720h" (30 days)
type DaemonConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	RetryBackoff string `json:"retry_backoff,omitempty"`
	Retention    string `json:"retention,omitempty"`
}

type StorageConfig struct {
	// Path is the SQLite job database. Defaults to "./data/jobs.db".
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"` // pointer: distinguish omitted from explicit false
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// ConsoleEnabled defaults to true when the field is omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// Validate rejects configs that cannot possibly work. Duration strings are
// parsed here so a typo fails at load time, not mid-send.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.SMTP.Host) == "" {
		return errors.New("smtp.host is required")
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port %d is out of range", c.SMTP.Port)
	}
	switch c.SMTP.Encryption {
	case "", "starttls", "ssl", "none":
	default:
		return fmt.Errorf("smtp.encryption %q is not one of starttls/ssl/none", c.SMTP.Encryption)
	}
	if strings.TrimSpace(c.Sender.Email) == "" {
		return errors.New("sender.email is required")
	}
	if c.RateLimit.EmailsPerMinute < 0 {
		return errors.New("rate_limit.emails_per_minute must be >= 0")
	}
	if c.RateLimit.MaxRetries < 0 {
		return errors.New("rate_limit.max_retries must be >= 0")
	}

	for _, f := range []struct{ path, raw string }{
		{"smtp.timeout", c.SMTP.Timeout},
		{"rate_limit.retry_delay", c.RateLimit.RetryDelay},
		{"daemon.poll_interval", c.Daemon.PollInterval},
		{"daemon.retry_backoff", c.Daemon.RetryBackoff},
		{"daemon.retention", c.Daemon.Retention},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDuration(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration field. Empty means zero (use the
// component default); negative values are rejected.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
