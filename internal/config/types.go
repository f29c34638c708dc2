package config

import "github.com/robfig/cron/v3"

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Session SessionConfig  `json:"session"`
	Hub     HubConfig      `json:"hub"`
	Threads ThreadsConfig  `json:"threads"`
	Live    LiveConfig     `json:"live,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	API     APIConfig      `json:"api,omitempty"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console: "pretty" (default) or "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SessionConfig points at the persisted browser session (token, role,
// cached userId).
//
// WriteBack is a pointer so an omitted field defaults to true.
type SessionConfig struct {
	Path         string `json:"path"`
	PollInterval string `json:"poll_interval,omitempty"` // default "1s"
	Watch        bool   `json:"watch,omitempty"`
	WriteBack    *bool  `json:"write_back,omitempty"`
}

func (s SessionConfig) WriteBackEnabled() bool {
	return s.WriteBack == nil || *s.WriteBack
}

// HubConfig controls the live notification socket.
//
// URL may contain a {userId} placeholder; otherwise ?userId= is appended.
// All durations are Go duration strings.
type HubConfig struct {
	URL        string `json:"url"`
	Protocol   string `json:"protocol,omitempty"` // "json" (default) or "signalr"
	Method     string `json:"method,omitempty"`   // signalr target, default "ReceiveMessage"
	AuthHeader string `json:"auth_header,omitempty"`
	TokenQuery string `json:"token_query,omitempty"`

	ConnectTimeout       string   `json:"connect_timeout,omitempty"`
	RetryDelay           string   `json:"retry_delay,omitempty"`            // default "5s"
	ManualReconnectDelay string   `json:"manual_reconnect_delay,omitempty"` // default "10s"
	ReconnectDelays      []string `json:"reconnect_delays,omitempty"`       // default 0s,2s,5s,10s,30s
	PingInterval         string   `json:"ping_interval,omitempty"`
}

// ThreadsConfig controls the chat-thread history API.
//
// Resync is a cron spec (robfig/cron, descriptors allowed). Omitted means
// "@every 5m"; "off" disables the periodic resync.
type ThreadsConfig struct {
	BaseURL    string  `json:"base_url"`
	Path       string  `json:"path,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Resync     string  `json:"resync,omitempty"`
}

const DefaultResync = "@every 5m"

// ResyncParser accepts five-field specs, an optional leading seconds field
// and descriptors such as @every and @hourly.
var ResyncParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ResyncSpec returns the effective cron spec, or "" when disabled.
func (t ThreadsConfig) ResyncSpec() string {
	switch t.Resync {
	case "":
		return DefaultResync
	case "off", "disabled", "none":
		return ""
	default:
		return t.Resync
	}
}

type LiveConfig struct {
	StartTimeout   string `json:"start_timeout,omitempty"`
	StopTimeout    string `json:"stop_timeout,omitempty"`
	HistoryTimeout string `json:"history_timeout,omitempty"`
	MaxMessages    int    `json:"max_messages,omitempty"`
}

// StorageConfig controls watermark persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./evnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`    // redis
	Prefix      string `json:"prefix,omitempty"` // redis
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// APIConfig controls the local HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:7070").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"`
	Token         string   `json:"token,omitempty"` // do not log
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}
