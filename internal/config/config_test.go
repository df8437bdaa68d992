package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != DefaultPort || c.Host != DefaultHost {
		t.Fatalf("unexpected bind defaults: %s:%d", c.Host, c.Port)
	}
	if c.TaskTimeout != 900*time.Second || c.ConditionTimeout != 60*time.Second {
		t.Fatalf("unexpected timeout defaults: %s / %s", c.TaskTimeout, c.ConditionTimeout)
	}
	if c.ShutdownGrace != 30*time.Second {
		t.Fatalf("grace default = %s", c.ShutdownGrace)
	}
	if c.LogCap != 256*1024 {
		t.Fatalf("log cap default = %d", c.LogCap)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_PORT", "9000")
	t.Setenv("SCHEDULER_TASK_TIMEOUT", "120")
	t.Setenv("SCHEDULER_IPV6", "true")
	t.Setenv("SCHEDULER_BASE_PATH", "scheduler/")
	t.Setenv("SCHEDULER_DB", `"/var/lib/scheduler.db"`)

	c, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != 9000 {
		t.Fatalf("port = %d", c.Port)
	}
	if c.TaskTimeout != 2*time.Minute {
		t.Fatalf("timeout = %s", c.TaskTimeout)
	}
	if !c.IPv6 {
		t.Fatal("ipv6 toggle not applied")
	}
	if c.BasePath != "/scheduler" {
		t.Fatalf("base path = %q", c.BasePath)
	}
	if c.DBPath != "/var/lib/scheduler.db" {
		t.Fatalf("quotes not stripped: %q", c.DBPath)
	}
}

func TestFromEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("SCHEDULER_PORT", "eighty")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestNormalizeBasePath(t *testing.T) {
	cases := map[string]string{
		"":            "",
		"/":           "",
		"scheduler":   "/scheduler",
		"/scheduler/": "/scheduler",
		"//a/b//":     "/a/b",
		"  /x  ":      "/x",
	}
	for in, want := range cases {
		if got := NormalizeBasePath(in); got != want {
			t.Errorf("NormalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnquote(t *testing.T) {
	cases := map[string]string{
		`"quoted"`: "quoted",
		`'single'`: "single",
		`plain`:    "plain",
		` "pad" `:  "pad",
		`"`:        `"`,
	}
	for in, want := range cases {
		if got := Unquote(in); got != want {
			t.Errorf("Unquote(%q) = %q, want %q", in, got, want)
		}
	}
}

func writeAuthFile(t *testing.T, path string, f map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(f)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestAuthDisabledWithoutPath(t *testing.T) {
	a, err := LoadAuth("")
	if err != nil {
		t.Fatal(err)
	}
	if a.Enabled() {
		t.Fatal("no auth file means auth disabled")
	}
	if !a.Check("anyone", "anything") {
		t.Fatal("disabled auth must accept everything")
	}
}

func TestAuthPlaintextPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	writeAuthFile(t, path, map[string]any{
		"enabled": true, "username": "admin", "password": "hunter2", "realm": "ops",
	})
	a, err := LoadAuth(path)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Enabled() || a.Realm() != "ops" {
		t.Fatalf("enabled=%v realm=%q", a.Enabled(), a.Realm())
	}
	if !a.Check("admin", "hunter2") {
		t.Fatal("valid credentials rejected")
	}
	if a.Check("admin", "wrong") || a.Check("root", "hunter2") {
		t.Fatal("invalid credentials accepted")
	}
}

func TestAuthHashedPassword(t *testing.T) {
	sum := sha256.Sum256([]byte("s3cret"))
	path := filepath.Join(t.TempDir(), "auth.json")
	writeAuthFile(t, path, map[string]any{
		"enabled": true, "username": "admin", "password_sha256": hex.EncodeToString(sum[:]),
	})
	a, err := LoadAuth(path)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Check("admin", "s3cret") {
		t.Fatal("hashed credentials rejected")
	}
	if a.Realm() != "scheduler" {
		t.Fatalf("default realm = %q", a.Realm())
	}
}

func TestAuthRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAuth(path); err == nil {
		t.Fatal("malformed auth file must not be ignored")
	}

	writeAuthFile(t, path, map[string]any{"enabled": true, "username": "admin"})
	if _, err := LoadAuth(path); err == nil {
		t.Fatal("enabled without a password must be an error")
	}
}

func TestAuthWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	writeAuthFile(t, path, map[string]any{
		"enabled": true, "username": "admin", "password": "old",
	})
	a, err := LoadAuth(path)
	if err != nil {
		t.Fatal(err)
	}
	stop, err := a.Watch()
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	writeAuthFile(t, path, map[string]any{
		"enabled": true, "username": "admin", "password": "new",
	})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Check("admin", "new") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("auth file change was not picked up")
}
