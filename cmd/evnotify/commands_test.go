package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestInspectToken(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u-42",
		"exp": now.Add(-time.Minute).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "session.json")
	writeFile(t, path, `{"token":"`+tok+`","userId":"u-42"}`)

	var out bytes.Buffer
	if err := inspectToken(&out, path, now); err != nil {
		t.Fatalf("inspectToken: %v", err)
	}
	if strings.Contains(out.String(), tok) {
		t.Fatal("report contains the raw token")
	}
	var rep tokenReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if !rep.Expired || rep.UserID != "" || rep.ClaimUser != "u-42" || rep.Source != "none" {
		t.Fatalf("report = %+v, want expired logged-out identity", rep)
	}

	writeFile(t, path, `{"token":"opaque-session","userId":"u-7"}`)
	out.Reset()
	if err := inspectToken(&out, path, now); err != nil {
		t.Fatal(err)
	}
	rep = tokenReport{}
	_ = json.Unmarshal(out.Bytes(), &rep)
	if !rep.Opaque || rep.UserID != "u-7" || rep.Source != "cache" {
		t.Fatalf("report = %+v, want cached id with opaque token", rep)
	}
}

func TestWatermarkCommands(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "evnotify.yaml")
	writeFile(t, cfgPath, `
logging:
  level: error
session:
  path: `+filepath.Join(dir, "session.json")+`
hub:
  url: ws://127.0.0.1:1/hub
threads:
  resync: "off"
storage:
  driver: sqlite
  path: `+filepath.Join(dir, "wm.db")+`
`)

	run := func(args ...string) (string, error) {
		t.Helper()
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("watermark", "show", "--user", "u1")
	if err != nil || !strings.Contains(out, "u1: no watermark") {
		t.Fatalf("show = %q, %v", out, err)
	}
	out, err = run("watermark", "clear", "--user", "u1")
	if err != nil || !strings.Contains(out, "watermark cleared") {
		t.Fatalf("clear = %q, %v", out, err)
	}
	if _, err := run("watermark", "show"); err == nil {
		t.Fatal("show without --user succeeded")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("EVNOTIFY_CONFIG", "/etc/evnotify/config.yaml")
	if got := (&rootOptions{}).resolveConfigPath(); got != "/etc/evnotify/config.yaml" {
		t.Fatalf("env path = %q", got)
	}
	if got := (&rootOptions{configPath: "x.json"}).resolveConfigPath(); got != "x.json" {
		t.Fatalf("flag path = %q", got)
	}
}
