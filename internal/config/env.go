package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file into the process environment when it exists.
// A missing file is not an error: environment variables may come from the
// actual environment (systemd, container runtime).
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overlays credential and identity settings from the environment
// onto cfg. Environment values win, so secrets never need to live in the
// config file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("SENDER_NAME"); v != "" {
		cfg.Sender.Name = v
	}
	if v := os.Getenv("SENDER_EMAIL"); v != "" {
		cfg.Sender.Email = v
	}
	if v := os.Getenv("SENDER_REPLY_TO"); v != "" {
		cfg.Sender.ReplyTo = v
	}
}
