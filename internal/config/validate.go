package config

import (
	"errors"
	"fmt"
	"strings"

	logx "evnotify/pkg/logx"
)

var storageDrivers = map[string]bool{"": true, "none": true, "memory": true, "file": true, "sqlite": true, "sqlite3": true, "redis": true}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Logging.Level) != "" {
		if _, err := logx.ParseLevel(cfg.Logging.Level); err != nil {
			add(fmt.Errorf("logging.level: %w", err))
		}
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		add(fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	if strings.TrimSpace(cfg.Session.Path) == "" {
		add(errors.New("session.path is required"))
	}
	dur("session.poll_interval", cfg.Session.PollInterval)

	if strings.TrimSpace(cfg.Hub.URL) == "" {
		add(errors.New("hub.url is required"))
	}
	switch cfg.Hub.Protocol {
	case "", "json", "signalr":
	default:
		add(fmt.Errorf("hub.protocol: unknown protocol %q", cfg.Hub.Protocol))
	}
	dur("hub.connect_timeout", cfg.Hub.ConnectTimeout)
	dur("hub.retry_delay", cfg.Hub.RetryDelay)
	dur("hub.manual_reconnect_delay", cfg.Hub.ManualReconnectDelay)
	dur("hub.ping_interval", cfg.Hub.PingInterval)
	if _, err := ParseDurationList("hub.reconnect_delays", cfg.Hub.ReconnectDelays); err != nil {
		add(err)
	}

	dur("threads.timeout", cfg.Threads.Timeout)
	if cfg.Threads.RatePerSec < 0 {
		add(errors.New("threads.rate_per_sec must be >= 0"))
	}
	if spec := cfg.Threads.ResyncSpec(); spec != "" {
		if strings.TrimSpace(cfg.Threads.BaseURL) == "" {
			add(errors.New("threads.resync requires threads.base_url"))
		}
		if _, err := ResyncParser.Parse(spec); err != nil {
			add(fmt.Errorf("threads.resync: %w", err))
		}
	}

	dur("live.start_timeout", cfg.Live.StartTimeout)
	dur("live.stop_timeout", cfg.Live.StopTimeout)
	dur("live.history_timeout", cfg.Live.HistoryTimeout)
	if cfg.Live.MaxMessages < 0 {
		add(errors.New("live.max_messages must be >= 0"))
	}

	if st := cfg.Storage; st != nil {
		drv := strings.ToLower(strings.TrimSpace(st.Driver))
		if !storageDrivers[drv] {
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if (drv == "file" || drv == "sqlite" || drv == "sqlite3") && strings.TrimSpace(st.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", drv))
		}
		if drv == "redis" && strings.TrimSpace(st.URL) == "" {
			add(errors.New("storage.url is required for driver \"redis\""))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	dur("api.read_timeout", cfg.API.ReadTimeout)
	dur("api.write_timeout", cfg.API.WriteTimeout)
	dur("api.idle_timeout", cfg.API.IdleTimeout)

	return errors.Join(errs...)
}
