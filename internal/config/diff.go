package config

import (
	"reflect"
	"strings"

	logx "wadispatch/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging (never includes the Telegram token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.addr", newCfg.Server.Addr))
	}
	if oldCfg.Sessions != newCfg.Sessions {
		changed = append(changed, "sessions")
		attrs = append(attrs, logx.String("sessions.dir", newCfg.Sessions.Dir))
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.default_delay", newCfg.Dispatch.DefaultDelay),
			logx.Int("dispatch.max_rate_per_sec", newCfg.Dispatch.MaxRatePerSec),
		)
	}
	if oldCfg.Uploads != newCfg.Uploads {
		changed = append(changed, "uploads")
		attrs = append(attrs, logx.String("uploads.prune_schedule", newCfg.Uploads.PruneSchedule))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	ot, nt := oldCfg.Notify.Telegram, newCfg.Notify.Telegram
	if ot.Enabled != nt.Enabled || ot.ChatID != nt.ChatID || ot.ThreadID != nt.ThreadID ||
		ot.RatePerSec != nt.RatePerSec || strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.telegram.enabled", nt.Enabled),
			logx.Bool("notify.telegram.token_set", strings.TrimSpace(nt.Token) != ""),
		)
	}
	return changed, attrs
}

// RestartRequired reports whether any changed section cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "server", "sessions", "storage", "uploads":
			out = append(out, s)
		}
	}
	return out
}
