package config

import (
	"os"
	"strings"
)

// ApplyEnv overrides selected fields from the process environment.
//
//	PORT                     -> server.addr (":<port>" unless it already has a host part)
//	WADISPATCH_SESSIONS_DIR  -> sessions.dir
//	WADISPATCH_LOG_LEVEL     -> logging.level
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if strings.Contains(port, ":") {
			cfg.Server.Addr = port
		} else {
			cfg.Server.Addr = ":" + port
		}
	}
	if dir := strings.TrimSpace(os.Getenv("WADISPATCH_SESSIONS_DIR")); dir != "" {
		cfg.Sessions.Dir = dir
	}
	if lvl := strings.TrimSpace(os.Getenv("WADISPATCH_LOG_LEVEL")); lvl != "" {
		cfg.Logging.Level = lvl
	}
}
