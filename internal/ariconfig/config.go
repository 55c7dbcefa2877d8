// Package ariconfig loads the ARI call-control worker's configuration
// from CLI flags and environment variables, following the same
// flags-then-env-overrides precedence as the rest of the FlowPBX stack.
package ariconfig

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the ARI call-control worker.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	AriHost     string
	AriPort     int
	AriApp      string
	AriUser     string
	AriPass     string
	DatabaseURL string

	LogLevel  string
	LogFormat string

	ReconnectDelay      time.Duration
	OriginateTimeoutSec int
	HTTPTimeoutSec      int
}

const (
	defaultAriPort             = 8088
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultReconnectDelay      = 3 * time.Second
	defaultOriginateTimeoutSec = 30
	defaultHTTPTimeoutSec      = 10
)

// envPrefix is the prefix for the ARI worker environment variables. The
// resulting names (ARI_HOST, ARI_PORT, ...) match the original worker's
// environment contract; DATABASE_URL is read without the prefix.
const envPrefix = "ARI_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults. Missing required values
// (ari-host, ari-app, ari-user, ari-pass, database-url) is a fatal
// configuration error.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("ari-worker", flag.ContinueOnError)

	fs.StringVar(&cfg.AriHost, "ari-host", "", "Asterisk ARI host")
	fs.IntVar(&cfg.AriPort, "ari-port", defaultAriPort, "Asterisk ARI port")
	fs.StringVar(&cfg.AriApp, "ari-app", "", "Stasis application name")
	fs.StringVar(&cfg.AriUser, "ari-user", "", "ARI Basic auth username")
	fs.StringVar(&cfg.AriPass, "ari-pass", "", "ARI Basic auth password")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", defaultReconnectDelay, "base delay before reconnecting a dropped event socket")
	fs.IntVar(&cfg.OriginateTimeoutSec, "originate-timeout", defaultOriginateTimeoutSec, "seconds ARI waits for the callee leg to answer")
	fs.IntVar(&cfg.HTTPTimeoutSec, "http-timeout", defaultHTTPTimeoutSec, "per-request timeout, in seconds, for ARI REST calls")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"ari-host":          envPrefix + "HOST",
		"ari-port":          envPrefix + "PORT",
		"ari-app":           envPrefix + "APP",
		"ari-user":          envPrefix + "USER",
		"ari-pass":          envPrefix + "PASS",
		"database-url":      "DATABASE_URL",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
		"reconnect-delay":   envPrefix + "RECONNECT_DELAY",
		"originate-timeout": envPrefix + "ORIGINATE_TIMEOUT",
		"http-timeout":      envPrefix + "HTTP_TIMEOUT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "ari-host":
			cfg.AriHost = val
		case "ari-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AriPort = v
			}
		case "ari-app":
			cfg.AriApp = val
		case "ari-user":
			cfg.AriUser = val
		case "ari-pass":
			cfg.AriPass = val
		case "database-url":
			cfg.DatabaseURL = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "reconnect-delay":
			if d, err := time.ParseDuration(val); err == nil {
				cfg.ReconnectDelay = d
			}
		case "originate-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OriginateTimeoutSec = v
			}
		case "http-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPTimeoutSec = v
			}
		}
	}
}

// validate checks that the config values are sane and that all values
// required at startup are present.
func (c *Config) validate() error {
	missing := []string{}
	if c.AriHost == "" {
		missing = append(missing, "ARI_HOST")
	}
	if c.AriApp == "" {
		missing = append(missing, "ARI_APP")
	}
	if c.AriUser == "" {
		missing = append(missing, "ARI_USER")
	}
	if c.AriPass == "" {
		missing = append(missing, "ARI_PASS")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.AriPort < 1 || c.AriPort > 65535 {
		return fmt.Errorf("ari-port must be between 1 and 65535, got %d", c.AriPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.OriginateTimeoutSec < 1 {
		return fmt.Errorf("originate-timeout must be positive, got %d", c.OriginateTimeoutSec)
	}
	if c.HTTPTimeoutSec < 1 {
		return fmt.Errorf("http-timeout must be positive, got %d", c.HTTPTimeoutSec)
	}

	return nil
}

// AriBaseURL returns the base URL of the telephony engine's REST surface.
func (c *Config) AriBaseURL() string {
	return fmt.Sprintf("http://%s:%d/ari", c.AriHost, c.AriPort)
}

// EventsURL returns the websocket URL for the Stasis event stream.
func (c *Config) EventsURL() string {
	return fmt.Sprintf("ws://%s:%d/ari/events?app=%s&api_key=%s:%s",
		c.AriHost, c.AriPort, c.AriApp, c.AriUser, c.AriPass)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
