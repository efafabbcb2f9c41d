package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/18kchat/chatrouter/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090
host = "127.0.0.1"
cors_allowed_origins = ["https://example.com"]

[storage]
sqlite_base_path = "data"

[routing]
agent_capacity = 5
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate err: %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("server config = %+v", cfg.Server)
	}
	if cfg.Routing.AgentCapacity != 5 {
		t.Fatalf("agent_capacity = %d, want 5", cfg.Routing.AgentCapacity)
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[storage]
sqlite_base_path = "data"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate err: %v", err)
	}

	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Fatalf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Storage.Type != "sqlite" {
		t.Fatalf("storage type = %q, want sqlite", cfg.Storage.Type)
	}
	if cfg.Routing.AgentCapacity != 3 {
		t.Fatalf("agent_capacity default = %d, want 3", cfg.Routing.AgentCapacity)
	}
	if cfg.Routing.AuthTimeoutSecs != 10 {
		t.Fatalf("auth_timeout default = %d, want 10", cfg.Routing.AuthTimeoutSecs)
	}
	if cfg.Heartbeat.IntervalSecs != 30 || cfg.Heartbeat.MissedProbes != 2 {
		t.Fatalf("heartbeat defaults = %+v", cfg.Heartbeat)
	}
}

func TestResumeDefaultsToEnabled(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080

[storage]
sqlite_base_path = "data"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if !cfg.Routing.ResumeEnabled() {
		t.Fatal("session resume not enabled by default")
	}

	disabled := writeConfig(t, `
[server]
port = 8080

[storage]
sqlite_base_path = "data"

[routing]
allow_session_resume = false
`)
	cfg, err = config.Load(disabled)
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Routing.ResumeEnabled() {
		t.Fatal("allow_session_resume = false not honored")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad port", "[server]\nport = 70000\n[storage]\nsqlite_base_path = \"data\"\n"},
		{"duplicate port", "[server]\nport = 8080\nadditional_ports = [8080]\n[storage]\nsqlite_base_path = \"data\"\n"},
		{"bad log level", "[server]\nport = 8080\n[logging]\nlevel = \"verbose\"\n[storage]\nsqlite_base_path = \"data\"\n"},
		{"missing sqlite path", "[server]\nport = 8080\n"},
		{"bad storage type", "[server]\nport = 8080\n[storage]\ntype = \"postgres\"\nsqlite_base_path = \"data\"\n"},
		{"redis without addr", "[server]\nport = 8080\n[storage]\nsqlite_base_path = \"data\"\n[redis]\nenabled = true\n"},
		{"negative capacity", "[server]\nport = 8080\n[storage]\nsqlite_base_path = \"data\"\n[routing]\nagent_capacity = -1\n"},
	}

	for _, tc := range cases {
		cfg, err := config.Load(writeConfig(t, tc.content))
		if err != nil {
			t.Fatalf("%s: Load err: %v", tc.name, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: Validate accepted invalid config", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
