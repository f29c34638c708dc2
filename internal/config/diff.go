package config

import (
	"reflect"
	"strings"

	logx "evnotify/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// fields for logging. Tokens and URLs carrying credentials are never
// included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.path", newCfg.Session.Path),
			logx.Bool("session.watch", newCfg.Session.Watch),
			logx.Bool("session.write_back", newCfg.Session.WriteBackEnabled()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Hub, newCfg.Hub) {
		changed = append(changed, "hub")
		attrs = append(attrs,
			logx.String("hub.protocol", newCfg.Hub.Protocol),
			logx.Int("hub.reconnect_steps", len(newCfg.Hub.ReconnectDelays)),
			logx.Secret("hub.url", newCfg.Hub.URL),
		)
	}

	if oldCfg.Threads != newCfg.Threads {
		changed = append(changed, "threads")
		attrs = append(attrs,
			logx.String("threads.resync", newCfg.Threads.ResyncSpec()),
			logx.Secret("threads.base_url", newCfg.Threads.BaseURL),
		)
	}

	if oldCfg.Live != newCfg.Live {
		changed = append(changed, "live")
		attrs = append(attrs, logx.Int("live.max_messages", newCfg.Live.MaxMessages))
	}

	oldSt, newSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldSt != newSt {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newSt.Driver))
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Secret("api.token", newCfg.API.Token),
			logx.Bool("api.allow_insecure", newCfg.API.AllowInsecure),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	return changed, attrs
}

// NeedsRestart lists the changed sections that hot reload cannot apply.
// Logging, api and the threads resync schedule are applied live.
func NeedsRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "api":
		case "threads":
			a, b := oldCfg.Threads, newCfg.Threads
			a.Resync, b.Resync = "", ""
			if a != b {
				out = append(out, s)
			}
		default:
			out = append(out, s)
		}
	}
	return out
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

