package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "2s", "24h").
type Config struct {
	Server   ServerConfig   `json:"server"`
	Sessions SessionsConfig `json:"sessions"`
	Dispatch DispatchConfig `json:"dispatch"`
	Uploads  UploadsConfig  `json:"uploads"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Notify   NotifyConfig   `json:"notify"`
}

// ServerConfig controls the HTTP control surface.
type ServerConfig struct {
	Addr string `json:"addr"` // default ":3000"; PORT env overrides

	// StaticDir is served at "/" when set and present on disk.
	StaticDir string `json:"static_dir,omitempty"`

	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
}

// SessionsConfig locates saved credential folders.
//
// Layout:
//
//	<dir>/<session name>/<credential_file>
type SessionsConfig struct {
	Dir            string `json:"dir"`
	CredentialFile string `json:"credential_file,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// DispatchConfig holds defaults for dispatch jobs. Applied live on reload.
type DispatchConfig struct {
	DefaultDelay   string `json:"default_delay,omitempty"`
	MaxUploadBytes int64  `json:"max_upload_bytes,omitempty"`
	// MaxRatePerSec caps sends across the whole process. 0 disables the cap.
	MaxRatePerSec int `json:"max_rate_per_sec,omitempty"`
}

// UploadsConfig controls where uploaded artifacts are kept and for how long.
type UploadsConfig struct {
	Dir           string `json:"dir"`
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron spec or descriptor
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional audit store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/audit" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `json:"telegram"`
}

// TelegramNotifyConfig posts a summary of every finished job to a chat.
type TelegramNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // never logged
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// Defaults returns the configuration used when no config file exists.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":3000",
			StaticDir:         "public",
			ReadHeaderTimeout: "10s",
			ShutdownTimeout:   "5s",
		},
		Sessions: SessionsConfig{
			Dir:            "creds",
			CredentialFile: "session.db",
			ConnectTimeout: "30s",
		},
		Dispatch: DispatchConfig{
			DefaultDelay:   "2s",
			MaxUploadBytes: 10 << 20,
		},
		Uploads: UploadsConfig{
			Dir:           "uploads",
			Retention:     "24h",
			PruneSchedule: "@hourly",
		},
		Logging: LoggingConfig{Level: "INFO", Console: true},
	}
}
