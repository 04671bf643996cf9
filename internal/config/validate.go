package config

import (
	"fmt"
	"strings"
)

// Validate checks field-level constraints. Cross-component checks (cron
// specs, storage driver names) live with the component that owns them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if strings.TrimSpace(cfg.Sessions.Dir) == "" {
		return fmt.Errorf("sessions.dir is required")
	}
	if strings.ContainsAny(cfg.Sessions.CredentialFile, `/\`) {
		return fmt.Errorf("sessions.credential_file must be a file name, got %q", cfg.Sessions.CredentialFile)
	}
	durations := []struct{ path, raw string }{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeout},
		{"sessions.connect_timeout", cfg.Sessions.ConnectTimeout},
		{"dispatch.default_delay", cfg.Dispatch.DefaultDelay},
		{"uploads.retention", cfg.Uploads.Retention},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if cfg.Dispatch.MaxUploadBytes < 0 {
		return fmt.Errorf("dispatch.max_upload_bytes must be >= 0")
	}
	if cfg.Dispatch.MaxRatePerSec < 0 {
		return fmt.Errorf("dispatch.max_rate_per_sec must be >= 0")
	}
	tg := cfg.Notify.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			return fmt.Errorf("notify.telegram.token is required when enabled")
		}
		if tg.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id is required when enabled")
		}
	}
	if tg.RatePerSec < 0 {
		return fmt.Errorf("notify.telegram.rate_per_sec must be >= 0")
	}
	return nil
}
