package config

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// authFile is the on-disk JSON shape. Either a plaintext password or its
// hex SHA-256 may be given; the hash wins when both are present.
type authFile struct {
	Enabled        bool   `json:"enabled"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PasswordSHA256 string `json:"password_sha256"`
	Realm          string `json:"realm"`
}

// Auth holds the Basic Auth state loaded from the auth file and reloads
// it when the file changes, so credentials rotate without a restart.
type Auth struct {
	path string

	mu       sync.RWMutex
	enabled  bool
	username string
	hash     []byte
	realm    string
}

// LoadAuth reads the auth file at path. A missing or empty path disables
// authentication; a malformed file is an error so a typo never silently
// opens the API.
func LoadAuth(path string) (*Auth, error) {
	a := &Auth{path: path}
	if path == "" {
		return a, nil
	}
	if err := a.reload(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Auth) reload() error {
	raw, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		a.mu.Lock()
		a.enabled = false
		a.mu.Unlock()
		slog.Info("auth file absent, basic auth disabled", "path", a.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read auth file: %w", err)
	}
	var f authFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse auth file %s: %w", a.path, err)
	}

	var hash []byte
	if f.Enabled {
		if f.Username == "" {
			return fmt.Errorf("auth file %s: username is required when enabled", a.path)
		}
		switch {
		case f.PasswordSHA256 != "":
			hash, err = hex.DecodeString(strings.ToLower(strings.TrimSpace(f.PasswordSHA256)))
			if err != nil || len(hash) != sha256.Size {
				return fmt.Errorf("auth file %s: password_sha256 is not a hex sha-256", a.path)
			}
		case f.Password != "":
			sum := sha256.Sum256([]byte(f.Password))
			hash = sum[:]
		default:
			return fmt.Errorf("auth file %s: password or password_sha256 is required when enabled", a.path)
		}
	}

	a.mu.Lock()
	a.enabled = f.Enabled
	a.username = f.Username
	a.hash = hash
	a.realm = f.Realm
	a.mu.Unlock()
	slog.Info("auth file loaded", "path", a.path, "enabled", f.Enabled)
	return nil
}

// Enabled reports whether Basic Auth is currently required.
func (a *Auth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// Realm returns the challenge realm, defaulting to "scheduler".
func (a *Auth) Realm() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.realm == "" {
		return "scheduler"
	}
	return a.realm
}

// Check verifies a credential pair in constant time.
func (a *Auth) Check(username, password string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.enabled {
		return true
	}
	sum := sha256.Sum256([]byte(password))
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare(sum[:], a.hash) == 1
	return userOK && passOK
}

// Watch reloads the auth file on change until the watcher is closed via
// the returned stop function. The parent directory is watched because
// editors and config tools replace the file rather than write in place.
func (a *Auth) Watch() (stop func(), err error) {
	if a.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("auth watcher: %w", err)
	}
	dir := filepath.Dir(a.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(a.path)

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if err := a.reload(); err != nil {
					// Keep the previous credentials on a bad edit.
					slog.Error("auth file reload failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("auth watcher", "error", err)
			}
		}
	}()
	return func() { w.Close() }, nil
}
