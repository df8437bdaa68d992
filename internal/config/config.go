// Package config collects the scheduler's runtime settings from
// SCHEDULER_* environment variables, with flag overrides applied by the
// CLI layer on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8888
	DefaultDBPath           = "scheduler.db"
	DefaultTaskTimeout      = 900 * time.Second
	DefaultConditionTimeout = 60 * time.Second
	DefaultShutdownGrace    = 30 * time.Second
	DefaultLogCap           = 256 * 1024
	DefaultWorkers          = 8
	DefaultAPIRatePerMin    = 300
)

// Config is the resolved runtime configuration.
type Config struct {
	Host string
	Port int
	IPv6 bool

	DBPath    string
	BasePath  string
	StaticDir string

	TaskTimeout      time.Duration
	ConditionTimeout time.Duration
	ShutdownGrace    time.Duration
	LogCap           int
	Workers          int

	TLSCert    string
	TLSKey     string
	TLSAuto    bool
	OpenSSLBin string

	AuthFile      string
	APIRatePerMin int
}

// FromEnv builds a Config from the environment over the defaults.
func FromEnv() (*Config, error) {
	c := &Config{
		Host:             DefaultHost,
		Port:             DefaultPort,
		DBPath:           DefaultDBPath,
		TaskTimeout:      DefaultTaskTimeout,
		ConditionTimeout: DefaultConditionTimeout,
		ShutdownGrace:    DefaultShutdownGrace,
		LogCap:           DefaultLogCap,
		Workers:          DefaultWorkers,
		APIRatePerMin:    DefaultAPIRatePerMin,
	}

	if v := envString("SCHEDULER_HOST"); v != "" {
		c.Host = v
	}
	var err error
	if c.Port, err = envInt("SCHEDULER_PORT", c.Port); err != nil {
		return nil, err
	}
	c.IPv6 = envBool("SCHEDULER_IPV6")
	if v := envString("SCHEDULER_DB"); v != "" {
		c.DBPath = v
	}
	c.BasePath = NormalizeBasePath(envString("SCHEDULER_BASE_PATH"))
	c.StaticDir = envString("SCHEDULER_STATIC_DIR")

	if c.TaskTimeout, err = envSeconds("SCHEDULER_TASK_TIMEOUT", c.TaskTimeout); err != nil {
		return nil, err
	}
	if c.ConditionTimeout, err = envSeconds("SCHEDULER_CONDITION_TIMEOUT", c.ConditionTimeout); err != nil {
		return nil, err
	}
	if c.ShutdownGrace, err = envSeconds("SCHEDULER_SHUTDOWN_GRACE", c.ShutdownGrace); err != nil {
		return nil, err
	}
	if c.LogCap, err = envInt("SCHEDULER_LOG_CAP", c.LogCap); err != nil {
		return nil, err
	}
	if c.Workers, err = envInt("SCHEDULER_MAX_PARALLEL", c.Workers); err != nil {
		return nil, err
	}
	if c.APIRatePerMin, err = envInt("SCHEDULER_API_RPM", c.APIRatePerMin); err != nil {
		return nil, err
	}

	c.TLSCert = envString("SCHEDULER_TLS_CERT")
	c.TLSKey = envString("SCHEDULER_TLS_KEY")
	c.TLSAuto = envBool("SCHEDULER_TLS_AUTO")
	c.OpenSSLBin = envString("SCHEDULER_OPENSSL_BIN")
	c.AuthFile = envString("SCHEDULER_AUTH_FILE")
	return c, nil
}

// NormalizeBasePath canonicalizes a URL prefix: empty or "/" means no
// prefix, otherwise a single leading slash and no trailing slash.
func NormalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	p = "/" + strings.Trim(p, "/")
	return p
}

// envString reads a variable and strips one layer of matching quotes,
// which systemd EnvironmentFile= and .env files commonly leave in place.
func envString(key string) string {
	return Unquote(os.Getenv(key))
}

// Unquote trims whitespace and one pair of matching single or double
// quotes.
func Unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			v = v[1 : len(v)-1]
		}
	}
	return v
}

func envInt(key string, def int) (int, error) {
	v := envString(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := envString(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: %q is not a non-negative number of seconds", key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func envBool(key string) bool {
	switch strings.ToLower(envString(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
