// Package config resolves the service configuration: an optional TOML
// file overlaid by environment variables, env always winning. Strict
// policy flags live in the policy package and are re-read per request;
// this package covers the process-lifetime settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable names for process-lifetime settings.
const (
	EnvListenAddr       = "NEG_LISTEN_ADDR"
	EnvDatabaseDSN      = "NEG_DATABASE_DSN"
	EnvConfigFile       = "NEG_CONFIG_FILE"
	EnvAdminKeys        = "NEG_ADMIN_API_KEYS"
	EnvOperatorKeys     = "NEG_OPERATOR_API_KEYS"
	EnvReadonlyKeys     = "NEG_READONLY_API_KEYS"
	EnvPublicRead       = "NEG_PUBLIC_READ"
	EnvJWTSecret        = "NEG_JWT_SECRET"
	EnvDecisionTimeout  = "NEG_DECISION_TIMEOUT_MS"
	EnvDecisionPath     = "NEG_DECISION_PATH"
	EnvProbeTimeout     = "NEG_PROBE_TIMEOUT_MS"
	EnvRateLimitPerMin  = "NEG_RATE_LIMIT_PER_MINUTE"
	EnvRateLimitBurst   = "NEG_RATE_LIMIT_BURST"
)

// Defaults.
const (
	DefaultListenAddr      = ":8084"
	DefaultDatabaseDSN     = "moltd.db"
	DefaultDecisionTimeout = 8 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
)

// Config is the resolved process configuration.
type Config struct {
	ListenAddr  string `toml:"listen_addr"`
	DatabaseDSN string `toml:"database_dsn"`

	AdminAPIKeys    []string `toml:"admin_api_keys"`
	OperatorAPIKeys []string `toml:"operator_api_keys"`
	ReadonlyAPIKeys []string `toml:"readonly_api_keys"`
	PublicRead      bool     `toml:"public_read"`
	JWTSecret       string   `toml:"jwt_secret"`

	DecisionTimeoutMs    int64  `toml:"decision_timeout_ms"`
	DecisionPathOverride string `toml:"decision_path"`
	ProbeTimeoutMs       int64  `toml:"probe_timeout_ms"`

	RateLimitPerMinute float64 `toml:"rate_limit_per_minute"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`
}

// FromEnv loads the TOML file named by NEG_CONFIG_FILE (when set) and
// overlays every recognized environment variable on top.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:      DefaultListenAddr,
		DatabaseDSN:     DefaultDatabaseDSN,
		PublicRead:      true,
		DecisionTimeoutMs: DefaultDecisionTimeout.Milliseconds(),
		ProbeTimeoutMs:  DefaultProbeTimeout.Milliseconds(),
	}
	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	overlayString(&cfg.ListenAddr, EnvListenAddr)
	overlayString(&cfg.DatabaseDSN, EnvDatabaseDSN)
	overlayString(&cfg.JWTSecret, EnvJWTSecret)
	overlayString(&cfg.DecisionPathOverride, EnvDecisionPath)
	overlayList(&cfg.AdminAPIKeys, EnvAdminKeys)
	overlayList(&cfg.OperatorAPIKeys, EnvOperatorKeys)
	overlayList(&cfg.ReadonlyAPIKeys, EnvReadonlyKeys)
	overlayBool(&cfg.PublicRead, EnvPublicRead)
	overlayInt(&cfg.DecisionTimeoutMs, EnvDecisionTimeout)
	overlayInt(&cfg.ProbeTimeoutMs, EnvProbeTimeout)
	overlayFloat(&cfg.RateLimitPerMinute, EnvRateLimitPerMin)
	if raw := strings.TrimSpace(os.Getenv(EnvRateLimitBurst)); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimitBurst = v
		}
	}

	if cfg.DecisionTimeoutMs <= 0 {
		cfg.DecisionTimeoutMs = DefaultDecisionTimeout.Milliseconds()
	}
	if cfg.ProbeTimeoutMs <= 0 {
		cfg.ProbeTimeoutMs = DefaultProbeTimeout.Milliseconds()
	}
	return cfg, nil
}

// DecisionTimeout returns the outbound decision call timeout.
func (c Config) DecisionTimeout() time.Duration {
	return time.Duration(c.DecisionTimeoutMs) * time.Millisecond
}

// ProbeTimeout returns the agent health probe timeout.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func overlayString(dst *string, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*dst = raw
	}
}

func overlayList(dst *[]string, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}

func overlayBool(dst *bool, key string) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

func overlayInt(dst *int64, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*dst = v
		}
	}
}

func overlayFloat(dst *float64, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
}
