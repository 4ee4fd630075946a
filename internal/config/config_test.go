package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const validJSON = `{
  "smtp": {"host": "smtp.example.com", "port": 587, "username": "u"},
  "sender": {"name": "Ops", "email": "ops@example.com"}
}`

func TestLoadJSON(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SMTP.Host != "smtp.example.com" || cfg.SMTP.Port != 587 {
		t.Errorf("smtp = %+v", cfg.SMTP)
	}
	if cfg.Sender.Email != "ops@example.com" {
		t.Errorf("sender.email = %q", cfg.Sender.Email)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get() did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", `
smtp:
  host: smtp.example.com
  port: 465
  encryption: ssl
sender:
  email: ops@example.com
rate_limit:
  emails_per_minute: 12
  retry_delay: 90s
daemon:
  enabled: true
  poll_interval: 15s
`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SMTP.Encryption != "ssl" || cfg.SMTP.Port != 465 {
		t.Errorf("smtp = %+v", cfg.SMTP)
	}
	if cfg.RateLimit.EmailsPerMinute != 12 || cfg.RateLimit.RetryDelay != "90s" {
		t.Errorf("rate_limit = %+v", cfg.RateLimit)
	}
	if !cfg.Daemon.Enabled || cfg.Daemon.PollInterval != "15s" {
		t.Errorf("daemon = %+v", cfg.Daemon)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", `{
  "smtp": {"host": "h", "port": 587, "hots": "typo"},
  "sender": {"email": "a@b.co"}
}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	m := NewManager(writeFile(t, "config.json", validJSON+`{"extra": true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			SMTP:   SMTPConfig{Host: "smtp.example.com", Port: 587},
			Sender: SenderConfig{Email: "ops@example.com"},
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing host", func(c *Config) { c.SMTP.Host = " " }, "smtp.host"},
		{"port zero", func(c *Config) { c.SMTP.Port = 0 }, "smtp.port"},
		{"port too big", func(c *Config) { c.SMTP.Port = 70000 }, "smtp.port"},
		{"bad encryption", func(c *Config) { c.SMTP.Encryption = "tls" }, "smtp.encryption"},
		{"missing sender", func(c *Config) { c.Sender.Email = "" }, "sender.email"},
		{"negative rate", func(c *Config) { c.RateLimit.EmailsPerMinute = -1 }, "emails_per_minute"},
		{"bad duration", func(c *Config) { c.Daemon.PollInterval = "soon" }, "daemon.poll_interval"},
		{"negative duration", func(c *Config) { c.SMTP.Timeout = "-5s" }, "smtp.timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration("x", ""); err != nil || d != 0 {
		t.Errorf("empty = (%v, %v)", d, err)
	}
	if d, err := ParseDuration("x", " 30s "); err != nil || d != 30*time.Second {
		t.Errorf("30s = (%v, %v)", d, err)
	}
	if _, err := ParseDuration("x", "later"); err == nil {
		t.Error("expected parse error")
	}
	if _, err := ParseDuration("x", "-1m"); err == nil {
		t.Error("expected negative rejection")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SMTP_PASSWORD", "hunter2")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SENDER_EMAIL", "env@example.com")

	cfg := &Config{
		SMTP:   SMTPConfig{Host: "h", Port: 587, Password: "from-file"},
		Sender: SenderConfig{Email: "file@example.com"},
	}
	ApplyEnv(cfg)
	if cfg.SMTP.Password != "hunter2" {
		t.Errorf("password = %q", cfg.SMTP.Password)
	}
	if cfg.SMTP.Port != 2525 {
		t.Errorf("port = %d", cfg.SMTP.Port)
	}
	if cfg.Sender.Email != "env@example.com" {
		t.Errorf("sender.email = %q", cfg.Sender.Email)
	}
}

func TestLoadEnvMissingFileIsFine(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
}

func TestLoadEnvReadsFile(t *testing.T) {
	path := writeFile(t, "creds.env", "SMTP_USERNAME=envuser\n")
	t.Setenv("SMTP_USERNAME", "") // ensure godotenv populates, Setenv restores after
	os.Unsetenv("SMTP_USERNAME")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv("SMTP_USERNAME"); got != "envuser" {
		t.Errorf("SMTP_USERNAME = %q", got)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Error("received wrong config")
		}
	default:
		t.Fatal("no config published")
	}

	// A full buffer should not block publish; the stale item is replaced.
	m.publish(&Config{SMTP: SMTPConfig{Host: "old"}})
	fresh := &Config{SMTP: SMTPConfig{Host: "new"}}
	m.publish(fresh)
	if got := <-ch; got.SMTP.Host != "new" {
		t.Errorf("got stale config %q", got.SMTP.Host)
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel not closed after Unsubscribe")
	}
}

func TestConsoleEnabledDefault(t *testing.T) {
	var l LoggingConfig
	if !l.ConsoleEnabled() {
		t.Error("console should default to enabled")
	}
	off := false
	l.Console = &off
	if l.ConsoleEnabled() {
		t.Error("explicit false should disable console")
	}
}
