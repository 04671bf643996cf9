package app

import (
	"fmt"
	"strings"
	"time"

	"wadispatch/internal/config"
	"wadispatch/internal/dispatch"
	"wadispatch/internal/httpapi"
	"wadispatch/internal/notify"
	"wadispatch/internal/session"
	"wadispatch/internal/storage"
	"wadispatch/internal/uploads"
	logx "wadispatch/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStorage opens the audit store cfg describes, or returns (nil, nil)
// when storage is disabled. The server and the CLI both open it here.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return nil, err
	}
	return storage.Open(sc, log)
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchSettings(cfg *config.Config) (dispatch.Settings, error) {
	delay, err := config.ParseDurationOrDefault("dispatch.default_delay", cfg.Dispatch.DefaultDelay, 2*time.Second)
	if err != nil {
		return dispatch.Settings{}, err
	}
	return dispatch.Settings{DefaultDelay: delay, MaxRatePerSec: cfg.Dispatch.MaxRatePerSec}, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{MaxUploadBytes: cfg.Dispatch.MaxUploadBytes, StaticDir: cfg.Server.StaticDir}
}

func mapLoaderConfig(cfg *config.Config) (session.LoaderConfig, error) {
	timeout, err := config.ParseDurationOrDefault("sessions.connect_timeout", cfg.Sessions.ConnectTimeout, 30*time.Second)
	if err != nil {
		return session.LoaderConfig{}, err
	}
	credFile := cfg.Sessions.CredentialFile
	if strings.TrimSpace(credFile) == "" {
		credFile = "session.db"
	}
	return session.LoaderConfig{Dir: cfg.Sessions.Dir, CredentialFile: credFile, ConnectTimeout: timeout}, nil
}

func mapJanitorConfig(cfg *config.Config) (uploads.JanitorConfig, error) {
	if err := uploads.ValidateSchedule(cfg.Uploads.PruneSchedule); err != nil {
		return uploads.JanitorConfig{}, fmt.Errorf("uploads.prune_schedule: %w", err)
	}
	retention, err := config.ParseDurationField("uploads.retention", cfg.Uploads.Retention)
	if err != nil {
		return uploads.JanitorConfig{}, err
	}
	return uploads.JanitorConfig{Schedule: cfg.Uploads.PruneSchedule, Retention: retention}, nil
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	tg := cfg.Notify.Telegram
	return notify.Config{
		Enabled:    tg.Enabled,
		Token:      tg.Token,
		ChatID:     tg.ChatID,
		ThreadID:   tg.ThreadID,
		RatePerSec: tg.RatePerSec,
	}
}

// validate runs every mapper so a bad reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchSettings(cfg); err != nil {
		return err
	}
	if _, err := mapLoaderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJanitorConfig(cfg); err != nil {
		return err
	}
	return nil
}
