package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := ParseServeFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SOCKSListen != "127.0.0.1:1080" {
		t.Fatalf("socks listen %q", cfg.SOCKSListen)
	}
	if cfg.HTTPListen != "127.0.0.1:8118" {
		t.Fatalf("http listen %q", cfg.HTTPListen)
	}
	if cfg.IdleTimeout != 10*time.Minute {
		t.Fatalf("idle timeout %v", cfg.IdleTimeout)
	}
	if cfg.RotationInterval != 30*time.Minute {
		t.Fatalf("rotation interval %v", cfg.RotationInterval)
	}
	if cfg.AdminListen != "" {
		t.Fatalf("admin should be disabled by default, got %q", cfg.AdminListen)
	}
}

func TestFlagsOverrideDefaults(t *testing.T) {
	cfg, err := ParseServeFlags([]string{
		"-socks-listen", "127.0.0.1:9999",
		"-idle-timeout", "2m",
		"-notify",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SOCKSListen != "127.0.0.1:9999" {
		t.Fatalf("socks listen %q", cfg.SOCKSListen)
	}
	if cfg.IdleTimeout != 2*time.Minute {
		t.Fatalf("idle timeout %v", cfg.IdleTimeout)
	}
	if !cfg.Notify {
		t.Fatal("notify flag not applied")
	}
}

func TestEnvironmentProvidesDefaults(t *testing.T) {
	t.Setenv("NSPROXY_SOCKS_LISTEN", "127.0.0.1:7070")
	t.Setenv("NSPROXY_IDLE_TIMEOUT", "5m")
	t.Setenv("NSPROXY_NOTIFY", "true")

	cfg, err := ParseServeFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SOCKSListen != "127.0.0.1:7070" {
		t.Fatalf("socks listen %q", cfg.SOCKSListen)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Fatalf("idle timeout %v", cfg.IdleTimeout)
	}
	if !cfg.Notify {
		t.Fatal("env notify not applied")
	}
}

func TestFlagBeatsEnvironment(t *testing.T) {
	t.Setenv("NSPROXY_SOCKS_LISTEN", "127.0.0.1:7070")

	cfg, err := ParseServeFlags([]string{"-socks-listen", "127.0.0.1:8080"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SOCKSListen != "127.0.0.1:8080" {
		t.Fatalf("socks listen %q", cfg.SOCKSListen)
	}
}

func TestYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nsproxy.yaml")
	body := strings.Join([]string{
		`socksListen: "127.0.0.1:6060"`,
		`idleTimeout: 7m`,
		`notify: true`,
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	// File overrides defaults, but an explicit flag still wins.
	cfg, err := ParseServeFlags([]string{"-config", path, "-socks-listen", "127.0.0.1:5050"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SOCKSListen != "127.0.0.1:5050" {
		t.Fatalf("flag should beat file, got %q", cfg.SOCKSListen)
	}
	if cfg.IdleTimeout != 7*time.Minute {
		t.Fatalf("file idle timeout not applied: %v", cfg.IdleTimeout)
	}
	if !cfg.Notify {
		t.Fatal("file notify not applied")
	}
}

func TestYAMLFileMissing(t *testing.T) {
	_, err := ParseServeFlags([]string{"-config", filepath.Join(t.TempDir(), "absent.yaml")})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "empty socks listen", args: []string{"-socks-listen", ""}},
		{name: "empty helper", args: []string{"-helper", ""}},
		{name: "empty state dir", args: []string{"-state-dir", ""}},
		{name: "empty identity dir", args: []string{"-identity-dir", ""}},
		{name: "zero idle timeout", args: []string{"-idle-timeout", "0s"}},
		{name: "negative rotation", args: []string{"-rotation-interval", "-1m"}},
		{name: "bad log level", args: []string{"-log-level", "loud"}},
		{name: "hash without user", args: []string{"-admin-password-hash", "$2a$10$x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseServeFlags(tt.args); err == nil {
				t.Fatalf("expected validation error for %v", tt.args)
			}
		})
	}
}
