package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "evnotify/pkg/logx"
)

const minimalYAML = `
logging:
  level: debug
  console: true
session:
  path: /tmp/session.json
hub:
  url: wss://hub.example.com/notifications?userId={userId}
  reconnect_delays: ["0s", "1s"]
threads:
  base_url: https://api.example.com
api:
  enabled: true
  token: ${EVNOTIFY_TEST_API_TOKEN}
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Setenv("EVNOTIFY_TEST_API_TOKEN", "from-env")

	cfg, err := Decode("evnotify.yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.API.Token != "from-env" {
		t.Fatalf("api.token = %q, want expanded env value", cfg.API.Token)
	}
	if len(cfg.Hub.ReconnectDelays) != 2 {
		t.Fatalf("hub.reconnect_delays = %v", cfg.Hub.ReconnectDelays)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	js := `{"session":{"path":"s.json"},"hub":{"url":"ws://h"},"threads":{"base_url":"http://h","resync":"off"}}`
	cfg, err = Decode("evnotify.json", []byte(js))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if cfg.Threads.ResyncSpec() != "" {
		t.Fatalf("resync = %q, want disabled", cfg.Threads.ResyncSpec())
	}
	if !cfg.Session.WriteBackEnabled() {
		t.Fatal("write_back should default to true")
	}
}

func TestDecodeSniffsFormatAndEnvDefaults(t *testing.T) {
	t.Setenv("EVNOTIFY_TEST_HUB", "")
	t.Setenv("EVNOTIFY_TEST_DRIVER", "sqlite")

	yml := "session:\n  path: s.json\nhub:\n  url: ${EVNOTIFY_TEST_HUB:-ws://localhost/hub}\nstorage:\n  driver: ${EVNOTIFY_TEST_DRIVER:-memory}\n  path: wm.db\n"
	cfg, err := Decode("/etc/evnotify/config", []byte(yml))
	if err != nil {
		t.Fatalf("Decode extensionless yaml: %v", err)
	}
	if cfg.Hub.URL != "ws://localhost/hub" {
		t.Fatalf("hub.url = %q, want default", cfg.Hub.URL)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v, want env value", cfg.Storage)
	}

	if _, err := Decode("config", []byte(`  {"session":{"path":"s.json"}}`)); err != nil {
		t.Fatalf("Decode extensionless json: %v", err)
	}
	if cfg, err := Decode("empty.yaml", nil); err != nil || cfg == nil {
		t.Fatalf("Decode empty yaml = %v, %v", cfg, err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.json", []byte(`{"telegram":{}}`)); err == nil {
		t.Fatal("unknown section accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("trailing data accepted")
	}
	if _, err := Decode("c.yaml", []byte("hub: [unclosed")); err == nil {
		t.Fatal("broken yaml accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Session: SessionConfig{Path: "s.json"},
			Hub:     HubConfig{URL: "ws://h"},
			Threads: ThreadsConfig{BaseURL: "http://h"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: "logging.level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "no session", mutate: func(c *Config) { c.Session.Path = "" }, wantErr: "session.path"},
		{name: "no hub", mutate: func(c *Config) { c.Hub.URL = "" }, wantErr: "hub.url"},
		{name: "bad protocol", mutate: func(c *Config) { c.Hub.Protocol = "grpc" }, wantErr: "hub.protocol"},
		{name: "bad delay", mutate: func(c *Config) { c.Hub.ReconnectDelays = []string{"1s", "soon"} }, wantErr: "hub.reconnect_delays[1]"},
		{name: "negative duration", mutate: func(c *Config) { c.Hub.RetryDelay = "-1s" }, wantErr: "hub.retry_delay"},
		{name: "bad cron", mutate: func(c *Config) { c.Threads.Resync = "every now and then" }, wantErr: "threads.resync"},
		{name: "resync without api", mutate: func(c *Config) { c.Threads.BaseURL = "" }, wantErr: "threads.base_url"},
		{name: "resync off without api", mutate: func(c *Config) { c.Threads.BaseURL = ""; c.Threads.Resync = "off" }},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "bolt"} }, wantErr: "storage.driver"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, wantErr: "storage.path"},
		{name: "redis without url", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, wantErr: "storage.url"},
		{name: "negative cap", mutate: func(c *Config) { c.Live.MaxMessages = -1 }, wantErr: "live.max_messages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "250ms", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit = %v, %v", d, err)
	}
	_, err := ParseDurationField("x", "abc")
	var fe *FieldError
	if !errors.As(err, &fe) || fe.Path != "x" {
		t.Fatalf("ParseDurationField err = %v, want FieldError at x", err)
	}
	ds, err := ParseDurationList("hub.reconnect_delays", []string{"0s", "2s"})
	if err != nil || len(ds) != 2 || ds[0] != 0 || ds[1] != 2*time.Second {
		t.Fatalf("ParseDurationList = %v, %v", ds, err)
	}
	if _, err := ParseDurationList("hub.reconnect_delays", []string{"1s", "-2s"}); err == nil || !strings.Contains(err.Error(), "hub.reconnect_delays[1]") {
		t.Fatalf("ParseDurationList negative = %v", err)
	}
}

func TestSummarizeNeverLogsSecrets(t *testing.T) {
	t.Parallel()
	old := &Config{API: APIConfig{Enabled: true}}
	cur := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Hub:     HubConfig{URL: "wss://h/?access_token=hub-secret"},
		API:     APIConfig{Enabled: true, Token: "api-secret"},
	}
	changed, attrs := SummarizeConfigChange(old, cur)
	if strings.Join(changed, ",") != "logging,hub,api" {
		t.Fatalf("changed = %v", changed)
	}

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	out := buf.String()
	for _, secret := range []string{"hub-secret", "api-secret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("summary leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "api.token_set") {
		t.Fatalf("summary missing token_set: %s", out)
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	base := &Config{Threads: ThreadsConfig{BaseURL: "http://h"}}

	onlyLive := *base
	onlyLive.Logging.Level = "warn"
	onlyLive.API.Enabled = true
	onlyLive.Threads.Resync = "@every 1m"
	if got := NeedsRestart(base, &onlyLive); len(got) != 0 {
		t.Fatalf("NeedsRestart = %v, want none", got)
	}

	moved := *base
	moved.Threads.BaseURL = "http://other"
	moved.Storage = &StorageConfig{Driver: "file", Path: "x"}
	if got := strings.Join(NeedsRestart(base, &moved), ","); got != "threads,storage" {
		t.Fatalf("NeedsRestart = %q", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "evnotify.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"session":{"path":"s.json"},"hub":{"url":"ws://h"},"threads":{"resync":"off"},"logging":{"level":"info"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and the committed config stays.
	write(`{"session":{"path":""},"hub":{"url":"ws://h"}}`)
	time.Sleep(500 * time.Millisecond)
	if m.Get().Logging.Level != "info" {
		t.Fatalf("invalid reload committed: %+v", m.Get().Logging)
	}

	write(`{"session":{"path":"s.json"},"hub":{"url":"ws://h"},"threads":{"resync":"off"},"logging":{"level":"debug"}}`)
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("Get level = %q", m.Get().Logging.Level)
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join("..", "..", "evnotify.example.yaml"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Hub.Protocol != "signalr" || cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("example decoded unexpectedly: hub=%+v storage=%+v", cfg.Hub, cfg.Storage)
	}
}
