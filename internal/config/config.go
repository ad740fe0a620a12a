// Package config resolves Shelltender's runtime configuration from
// environment variables, applying the same defaulting and coercion rules
// regardless of whether the process runs standalone or embedded.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

func init() {
	// Best effort: a missing .env file is not an error, it's the common case
	// in production where configuration comes from the real environment.
	_ = godotenv.Load()
}

// Config is Shelltender's resolved runtime configuration.
type Config struct {
	Port                 int
	WSPath               string
	DataDir              string
	MonitorAuthKey       string
	RedisURL             string
	LogLevel             string
	MetricsPath          string
	Environment          string
	EnableSecurity       bool
	EnableRateLimit      bool
	EnablePipeline       bool
	MaxSessions          int
	BufferCap            int
	CORSOrigin           string
	SessionIdleTimeoutMs int64

	// Warnings accumulates human-readable notes about values that were
	// coerced away from what was supplied. Callers typically log these
	// at startup rather than fail.
	Warnings []string
}

const (
	defaultPort        = 3000
	defaultWSPath      = "/ws"
	defaultDataDir     = "./.shelltender"
	defaultMaxSessions = 10
	defaultBufferCap   = 10000
	defaultMetricsPath = "/metrics"
)

// IsProduction reports whether the resolved environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load resolves configuration from the process environment, applying
// development/production defaults and coercing common mistakes.
func Load() *Config {
	env := resolveEnvironment()
	c := &Config{
		Environment: env,
		Port:        defaultPort,
		WSPath:      defaultWSPath,
		DataDir:     defaultDataDir,
		MaxSessions: defaultMaxSessions,
		BufferCap:   defaultBufferCap,
		MetricsPath: defaultMetricsPath,
		LogLevel:    "info",
	}

	if env == "production" {
		c.EnableRateLimit = true
		c.SessionIdleTimeoutMs = 3600_000
		c.CORSOrigin = ""
	} else {
		c.EnableRateLimit = false
		c.SessionIdleTimeoutMs = 0
		c.CORSOrigin = "*"
	}
	c.EnableSecurity = true
	c.EnablePipeline = true

	if v, ok := os.LookupEnv("SHELLTENDER_PORT"); ok {
		c.setPort(v)
	}
	if v, ok := os.LookupEnv("SHELLTENDER_WS_PATH"); ok {
		c.setWSPath(v)
	}
	if v, ok := os.LookupEnv("SHELLTENDER_DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv("SHELLTENDER_MONITOR_AUTH_KEY"); ok {
		c.MonitorAuthKey = v
	}
	if v, ok := os.LookupEnv("SHELLTENDER_REDIS_URL"); ok {
		c.RedisURL = v
	}
	if v, ok := os.LookupEnv("SHELLTENDER_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("SHELLTENDER_METRICS_PATH"); ok && v != "" {
		c.MetricsPath = v
	}
	if v, ok := os.LookupEnv("SHELLTENDER_CORS_ORIGIN"); ok {
		c.CORSOrigin = v
	}
	if v, ok := os.LookupEnv("SHELLTENDER_MAX_SESSIONS"); ok {
		c.setMaxSessions(v)
	}

	return c
}

func resolveEnvironment() string {
	for _, key := range []string{"NODE_ENV", "SHELLTENDER_ENV", "GO_ENV"} {
		if v := strings.ToLower(strings.TrimSpace(os.Getenv(key))); v != "" {
			if v == "production" || v == "prod" {
				return "production"
			}
			if v == "development" || v == "dev" {
				return "development"
			}
		}
	}
	return "development"
}

func (c *Config) setPort(v string) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid SHELLTENDER_PORT %q, using %d", v, defaultPort))
		c.Port = defaultPort
		return
	}
	c.Port = n
}

func (c *Config) setWSPath(v string) {
	p := strings.TrimSpace(v)
	if p == "" {
		p = defaultWSPath
	}
	if !strings.HasPrefix(p, "/") {
		c.Warnings = append(c.Warnings, fmt.Sprintf("wsPath %q missing leading slash, coerced to %q", v, "/"+p))
		p = "/" + p
	}
	c.WSPath = p
}

func (c *Config) setMaxSessions(v string) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid maxSessions %q, using %d", v, defaultMaxSessions))
		c.MaxSessions = defaultMaxSessions
		return
	}
	c.MaxSessions = n
}

// Options mirrors the programmatic configuration object an embedder can
// supply instead of environment variables. Unset fields (zero values) fall
// back to Config's own defaults.
type Options struct {
	Port                 interface{}
	WSPath               string
	DataDir              string
	EnableSecurity       *bool
	EnableRateLimit      *bool
	EnablePipeline       *bool
	MaxSessions          interface{}
	BufferCap            int
	CORSOrigin           string
	SessionIdleTimeoutMs int64
}

// ApplyOptions validates and merges a programmatic Options value onto a
// base Config, coercing common mistakes (string ports, missing leading
// slash, negative maxSessions) and recording a warning for each.
func (c *Config) ApplyOptions(o Options) *Config {
	merged := *c
	merged.Warnings = append([]string(nil), c.Warnings...)

	if o.Port != nil {
		switch v := o.Port.(type) {
		case int:
			merged.Port = v
		case float64:
			merged.Port = int(v)
		case string:
			merged.setPort(v)
		default:
			merged.Warnings = append(merged.Warnings, fmt.Sprintf("unrecognized port type %T, using %d", v, defaultPort))
		}
	}
	if o.WSPath != "" {
		merged.setWSPath(o.WSPath)
	}
	if o.DataDir != "" {
		merged.DataDir = o.DataDir
	}
	if o.EnableSecurity != nil {
		merged.EnableSecurity = *o.EnableSecurity
	}
	if o.EnableRateLimit != nil {
		merged.EnableRateLimit = *o.EnableRateLimit
	}
	if o.EnablePipeline != nil {
		merged.EnablePipeline = *o.EnablePipeline
	}
	if o.MaxSessions != nil {
		switch v := o.MaxSessions.(type) {
		case int:
			if v < 0 {
				merged.Warnings = append(merged.Warnings, fmt.Sprintf("negative maxSessions %d, using %d", v, defaultMaxSessions))
				merged.MaxSessions = defaultMaxSessions
			} else {
				merged.MaxSessions = v
			}
		case float64:
			merged.setMaxSessions(strconv.Itoa(int(v)))
		case string:
			merged.setMaxSessions(v)
		}
	}
	if o.BufferCap > 0 {
		merged.BufferCap = o.BufferCap
	}
	if o.CORSOrigin != "" {
		merged.CORSOrigin = o.CORSOrigin
	}
	if o.SessionIdleTimeoutMs > 0 {
		merged.SessionIdleTimeoutMs = o.SessionIdleTimeoutMs
	}

	return &merged
}
