// Package config assembles the proxy configuration from environment
// variables, an optional YAML file, and command line flags. Precedence is
// flags over file over environment over built-in defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full serve configuration shared by the front ends, the
// namespace manager, and the idle daemon.
type Config struct {
	SOCKSListen string
	HTTPListen  string
	AdminListen string

	StateDir    string
	IdentityDir string
	HelperPath  string
	SessionDB   string

	IdleTimeout      time.Duration
	RotationInterval time.Duration
	SweepInterval    time.Duration

	Notify            bool
	AdminUser         string
	AdminPasswordHash string

	LogLevel   string
	ConfigFile string
}

const (
	defaultSOCKSListen = "127.0.0.1:1080"
	defaultHTTPListen  = "127.0.0.1:8118"
	defaultStateDir    = "/run/nsproxy"
	defaultIdentityDir = "/etc/nsproxy/identities"
	defaultHelperPath  = "/usr/local/lib/nsproxy/nsproxy-helper"
	defaultSessionDB   = "/run/nsproxy/sessions.db"

	defaultIdleTimeout      = 10 * time.Minute
	defaultRotationInterval = 30 * time.Minute
	defaultSweepInterval    = 60 * time.Second
)

// fileConfig mirrors Config with optional fields so the YAML overlay only
// touches keys the file actually sets.
type fileConfig struct {
	SOCKSListen *string `yaml:"socksListen"`
	HTTPListen  *string `yaml:"httpListen"`
	AdminListen *string `yaml:"adminListen"`

	StateDir    *string `yaml:"stateDir"`
	IdentityDir *string `yaml:"identityDir"`
	HelperPath  *string `yaml:"helperPath"`
	SessionDB   *string `yaml:"sessionDb"`

	IdleTimeout      *time.Duration `yaml:"idleTimeout"`
	RotationInterval *time.Duration `yaml:"rotationInterval"`
	SweepInterval    *time.Duration `yaml:"sweepInterval"`

	Notify            *bool   `yaml:"notify"`
	AdminUser         *string `yaml:"adminUser"`
	AdminPasswordHash *string `yaml:"adminPasswordHash"`

	LogLevel *string `yaml:"logLevel"`
}

// ParseServeFlags builds the serve configuration from args. Environment
// variables (NSPROXY_*) provide defaults, the optional YAML file overrides
// them, and explicit command line flags win over everything.
func ParseServeFlags(args []string) (Config, error) {
	cfg := Config{
		SOCKSListen:       envOrDefault("NSPROXY_SOCKS_LISTEN", defaultSOCKSListen),
		HTTPListen:        envOrDefault("NSPROXY_HTTP_LISTEN", defaultHTTPListen),
		AdminListen:       envOrDefault("NSPROXY_ADMIN_LISTEN", ""),
		StateDir:          envOrDefault("NSPROXY_STATE_DIR", defaultStateDir),
		IdentityDir:       envOrDefault("NSPROXY_IDENTITY_DIR", defaultIdentityDir),
		HelperPath:        envOrDefault("NSPROXY_HELPER", defaultHelperPath),
		SessionDB:         envOrDefault("NSPROXY_SESSION_DB", defaultSessionDB),
		IdleTimeout:       envDurationOrDefault("NSPROXY_IDLE_TIMEOUT", defaultIdleTimeout),
		RotationInterval:  envDurationOrDefault("NSPROXY_ROTATION_INTERVAL", defaultRotationInterval),
		SweepInterval:     envDurationOrDefault("NSPROXY_SWEEP_INTERVAL", defaultSweepInterval),
		Notify:            envBoolOrDefault("NSPROXY_NOTIFY", false),
		AdminUser:         envOrDefault("NSPROXY_ADMIN_USER", ""),
		AdminPasswordHash: envOrDefault("NSPROXY_ADMIN_PASSWORD_HASH", ""),
		LogLevel:          envOrDefault("NSPROXY_LOG_LEVEL", "info"),
		ConfigFile:        envOrDefault("NSPROXY_CONFIG", ""),
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.SOCKSListen, "socks-listen", cfg.SOCKSListen, "SOCKS5 listen address")
	fs.StringVar(&cfg.HTTPListen, "http-listen", cfg.HTTPListen, "HTTP CONNECT listen address")
	fs.StringVar(&cfg.AdminListen, "admin-listen", cfg.AdminListen, "Admin endpoint listen address (empty disables)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "State directory")
	fs.StringVar(&cfg.IdentityDir, "identity-dir", cfg.IdentityDir, "Identity profile directory")
	fs.StringVar(&cfg.HelperPath, "helper", cfg.HelperPath, "Privileged namespace helper path")
	fs.StringVar(&cfg.SessionDB, "session-db", cfg.SessionDB, "Session log SQLite path (empty disables)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Destroy namespaces unused for this long")
	fs.DurationVar(&cfg.RotationInterval, "rotation-interval", cfg.RotationInterval, "Random identity lifetime")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Idle daemon tick interval")
	fs.BoolVar(&cfg.Notify, "notify", cfg.Notify, "Send desktop notifications")
	fs.StringVar(&cfg.AdminUser, "admin-user", cfg.AdminUser, "Admin basic auth user")
	fs.StringVar(&cfg.AdminPasswordHash, "admin-password-hash", cfg.AdminPasswordHash, "Admin basic auth bcrypt hash")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file (optional)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile, setFlags(fs)); err != nil {
			return cfg, err
		}
	}

	return cfg, validate(cfg)
}

// applyFile overlays values from a YAML file. Keys set explicitly on the
// command line keep their flag value.
func applyFile(cfg *Config, path string, explicit map[string]bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	overlayString := func(flagName string, dst *string, src *string) {
		if src != nil && !explicit[flagName] {
			*dst = *src
		}
	}
	overlayDuration := func(flagName string, dst *time.Duration, src *time.Duration) {
		if src != nil && !explicit[flagName] {
			*dst = *src
		}
	}

	overlayString("socks-listen", &cfg.SOCKSListen, fc.SOCKSListen)
	overlayString("http-listen", &cfg.HTTPListen, fc.HTTPListen)
	overlayString("admin-listen", &cfg.AdminListen, fc.AdminListen)
	overlayString("state-dir", &cfg.StateDir, fc.StateDir)
	overlayString("identity-dir", &cfg.IdentityDir, fc.IdentityDir)
	overlayString("helper", &cfg.HelperPath, fc.HelperPath)
	overlayString("session-db", &cfg.SessionDB, fc.SessionDB)
	overlayDuration("idle-timeout", &cfg.IdleTimeout, fc.IdleTimeout)
	overlayDuration("rotation-interval", &cfg.RotationInterval, fc.RotationInterval)
	overlayDuration("sweep-interval", &cfg.SweepInterval, fc.SweepInterval)
	overlayString("admin-user", &cfg.AdminUser, fc.AdminUser)
	overlayString("admin-password-hash", &cfg.AdminPasswordHash, fc.AdminPasswordHash)
	overlayString("log-level", &cfg.LogLevel, fc.LogLevel)
	if fc.Notify != nil && !explicit["notify"] {
		cfg.Notify = *fc.Notify
	}
	return nil
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	return explicit
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.SOCKSListen) == "" {
		return errors.New("socks listen address must not be empty")
	}
	if strings.TrimSpace(cfg.HTTPListen) == "" {
		return errors.New("http listen address must not be empty")
	}
	if strings.TrimSpace(cfg.HelperPath) == "" {
		return errors.New("helper path must not be empty")
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return errors.New("state dir must not be empty")
	}
	if strings.TrimSpace(cfg.IdentityDir) == "" {
		return errors.New("identity dir must not be empty")
	}
	if cfg.IdleTimeout <= 0 {
		return errors.New("idle timeout must be > 0")
	}
	if cfg.RotationInterval <= 0 {
		return errors.New("rotation interval must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("sweep interval must be > 0")
	}
	if cfg.AdminPasswordHash != "" && cfg.AdminUser == "" {
		return errors.New("admin password hash requires admin user")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log level must be one of: debug, info, warn, error")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
