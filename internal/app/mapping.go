package app

import (
	"strings"
	"time"

	"evnotify/internal/api"
	"evnotify/internal/config"
	"evnotify/internal/identity"
	"evnotify/internal/live"
	"evnotify/internal/storage"
	"evnotify/internal/threads"
	"evnotify/internal/transport/ws"
	logx "evnotify/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns the memory driver when storage is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := storage.CanonicalDriver(sc.Driver)
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		Prefix:      sc.Prefix,
		BusyTimeout: busy,
	}, nil
}

func mapSessionOptions(cfg *config.Config) (identity.Options, error) {
	poll, err := config.ParseDurationOrDefault("session.poll_interval", cfg.Session.PollInterval, time.Second)
	if err != nil {
		return identity.Options{}, err
	}
	return identity.Options{
		Path:         cfg.Session.Path,
		PollInterval: poll,
		Watch:        cfg.Session.Watch,
		WriteBack:    cfg.Session.WriteBackEnabled(),
	}, nil
}

func mapHubConfig(cfg *config.Config) (ws.Config, error) {
	h := cfg.Hub
	connect, err := config.ParseDurationOrDefault("hub.connect_timeout", h.ConnectTimeout, 10*time.Second)
	if err != nil {
		return ws.Config{}, err
	}
	ping, err := config.ParseDurationField("hub.ping_interval", h.PingInterval)
	if err != nil {
		return ws.Config{}, err
	}
	delays, err := config.ParseDurationList("hub.reconnect_delays", h.ReconnectDelays)
	if err != nil {
		return ws.Config{}, err
	}
	return ws.Config{
		URL:             h.URL,
		Protocol:        h.Protocol,
		Method:          h.Method,
		ConnectTimeout:  connect,
		ReconnectDelays: delays,
		PingInterval:    ping,
		AuthHeader:      h.AuthHeader,
		TokenQuery:      h.TokenQuery,
	}, nil
}

func mapLiveConfig(cfg *config.Config) (live.Config, error) {
	var (
		out live.Config
		err error
	)
	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"hub.retry_delay", cfg.Hub.RetryDelay, &out.RetryDelay},
		{"hub.manual_reconnect_delay", cfg.Hub.ManualReconnectDelay, &out.ManualReconnectDelay},
		{"live.start_timeout", cfg.Live.StartTimeout, &out.StartTimeout},
		{"live.stop_timeout", cfg.Live.StopTimeout, &out.StopTimeout},
		{"live.history_timeout", cfg.Live.HistoryTimeout, &out.HistoryTimeout},
	}
	for _, d := range durs {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return live.Config{}, err
		}
	}
	out.MaxMessages = cfg.Live.MaxMessages
	return out, nil
}

// mapThreadsConfig reports false when no history API is configured.
func mapThreadsConfig(cfg *config.Config) (threads.Config, bool, error) {
	t := cfg.Threads
	if strings.TrimSpace(t.BaseURL) == "" {
		return threads.Config{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("threads.timeout", t.Timeout, 15*time.Second)
	if err != nil {
		return threads.Config{}, false, err
	}
	return threads.Config{
		BaseURL:    t.BaseURL,
		Path:       t.Path,
		Timeout:    timeout,
		RatePerSec: t.RatePerSec,
		Burst:      t.Burst,
	}, true, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	read, err := config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	// WriteTimeout stays 0 by default so /api/events and pprof profiles can stream.
	write, err := config.ParseDurationField("api.write_timeout", a.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = api.DefaultAddr
	}
	return api.Config{
		Enabled:       a.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		CORSOrigins:   a.CORSOrigins,
		Pprof:         a.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// OpenStorage opens the storage described by cfg and reports whether it
// persists across restarts.
func OpenStorage(cfg *config.Config, log logx.Logger) (storage.Store, bool, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, false, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, false, err
	}
	return st, storage.Persistent(sc.Driver), nil
}
