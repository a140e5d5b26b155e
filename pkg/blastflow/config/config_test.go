package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("expected port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Dispatch.MinDelay != 3*time.Second || cfg.Dispatch.MaxDelay != 7*time.Second {
		t.Errorf("unexpected pacing %s..%s", cfg.Dispatch.MinDelay, cfg.Dispatch.MaxDelay)
	}
	if cfg.Reset.Schedule != "0 0 * * *" || !cfg.Reset.DeleteCredentials {
		t.Errorf("unexpected reset defaults %+v", cfg.Reset)
	}
	if cfg.Gateway.Enabled || cfg.Gateway.Address != "127.0.0.1:8085" {
		t.Errorf("unexpected gateway defaults %+v", cfg.Gateway)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"inverted delays", func(c *Config) { c.Dispatch.MinDelay = 8 * time.Second }, "dispatch delays"},
		{"zero capacity", func(c *Config) { c.Session.TeamCapacity = 0 }, "team_capacity"},
		{"bad schedule", func(c *Config) { c.Reset.Schedule = "midnight" }, "reset.schedule"},
		{"bad timezone", func(c *Config) { c.Reset.Timezone = "Mars/Olympus" }, "reset.timezone"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"no session dir", func(c *Config) { c.WhatsApp.SessionDir = "" }, "session_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
name: Night Shift
server:
  port: 8080
dispatch:
  min_delay: 1s
  max_delay: 2500ms
reset:
  timezone: UTC
  delete_credentials: false
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Name != "Night Shift" || cfg.Server.Port != 8080 {
		t.Errorf("unexpected %+v", cfg)
	}
	if cfg.Dispatch.MinDelay != time.Second || cfg.Dispatch.MaxDelay != 2500*time.Millisecond {
		t.Errorf("durations not parsed: %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.CountryCode != "62" || cfg.Dispatch.QueueSize != 16 {
		t.Errorf("defaults lost: %+v", cfg.Dispatch)
	}
	if cfg.Reset.DeleteCredentials || cfg.Reset.Schedule != "0 0 * * *" {
		t.Errorf("unexpected reset %+v", cfg.Reset)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("BF_SET", "value")

	tests := []struct {
		in   string
		want string
	}{
		{"${BF_SET}", "value"},
		{"$BF_SET", "value"},
		{"${BF_UNSET}", "${BF_UNSET}"},
		{"$BF_UNSET", "$BF_UNSET"},
		{"${BF_UNSET:-fallback}", "fallback"},
		{"${BF_SET:-fallback}", "value"},
		{"${BF_UNSET:?needed}", "ERROR:BF_UNSET:needed"},
		{"port: ${BF_UNSET:-3000}", "port: 3000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := expandEnvVars(tt.in); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVarsWithValidation(t *testing.T) {
	_, err := expandEnvVarsWithValidation("gateway:\n  auth_token: ${BF_TOKEN_UNSET:?set the admin token}\nname: x\n")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "BF_TOKEN_UNSET - set the admin token") {
		t.Errorf("unexpected error %v", err)
	}

	out, err := expandEnvVarsWithValidation("name: ok")
	if err != nil || out != "name: ok" {
		t.Errorf("got %q, %v", out, err)
	}
}

func TestLoadFromFileWithEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blastflow.yaml")
	data := "whatsapp:\n  session_dir: ${BF_AUTH_DIR:-auth}\nsession:\n  team_capacity: 5\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BF_AUTH_DIR", "/var/lib/blastflow")
	t.Setenv("BLASTFLOW_DISPATCH_COUNTRY_CODE", "44")
	t.Setenv("PORT", "4000")

	cfg, used, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if used != path {
		t.Errorf("expected path %s, got %s", path, used)
	}
	if cfg.WhatsApp.SessionDir != "/var/lib/blastflow" {
		t.Errorf("expansion failed: %q", cfg.WhatsApp.SessionDir)
	}
	if cfg.Session.TeamCapacity != 5 {
		t.Errorf("capacity not read: %d", cfg.Session.TeamCapacity)
	}
	if cfg.Dispatch.CountryCode != "44" {
		t.Errorf("prefixed override failed: %q", cfg.Dispatch.CountryCode)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("PORT fallback failed: %d", cfg.Server.Port)
	}
}

func TestPrefixedEnvWinsOverFallback(t *testing.T) {
	t.Setenv("PORT", "4000")
	t.Setenv("BLASTFLOW_SERVER_PORT", "5000")

	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("expected prefixed value, got %d", cfg.Server.Port)
	}
}

func TestBareEnvNamesAreIgnored(t *testing.T) {
	for key, value := range map[string]string{
		"ENABLED":            "true",
		"ADDRESS":            "0.0.0.0:9999",
		"AUTH_TOKEN":         "leaked",
		"SCHEDULE":           "* * * * *",
		"TIMEZONE":           "Asia/Tokyo",
		"DELETE_CREDENTIALS": "false",
		"SESSION_DIR":        "/tmp/elsewhere",
		"TEAM_CAPACITY":      "99",
		"LEVEL":              "debug",
	} {
		t.Setenv(key, value)
	}

	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	if cfg.Gateway.Enabled || cfg.Gateway.Address != want.Gateway.Address || cfg.Gateway.AuthToken != "" {
		t.Errorf("gateway picked up bare variables: %+v", cfg.Gateway)
	}
	if cfg.Reset.Schedule != want.Reset.Schedule || cfg.Reset.Timezone != want.Reset.Timezone ||
		cfg.Reset.DeleteCredentials != want.Reset.DeleteCredentials {
		t.Errorf("reset picked up bare variables: %+v", cfg.Reset)
	}
	if cfg.WhatsApp.SessionDir != want.WhatsApp.SessionDir || cfg.Session.TeamCapacity != want.Session.TeamCapacity {
		t.Error("session settings picked up bare variables")
	}
	if cfg.Logging.Level != want.Logging.Level {
		t.Errorf("log level picked up bare variable: %q", cfg.Logging.Level)
	}

	t.Setenv("BLASTFLOW_GATEWAY_ENABLED", "true")
	t.Setenv("BLASTFLOW_RESET_SCHEDULE", "30 2 * * *")
	t.Setenv("BLASTFLOW_RESET_DELETE_CREDENTIALS", "false")
	if err := applyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if !cfg.Gateway.Enabled || cfg.Reset.Schedule != "30 2 * * *" || cfg.Reset.DeleteCredentials {
		t.Errorf("prefixed variables not applied: %+v %+v", cfg.Gateway, cfg.Reset)
	}
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv("BLASTFLOW_DISPATCH_MIN_DELAY", "soon")
	if err := applyEnv(DefaultConfig()); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveConfigToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blastflow.yaml")
	if err := os.WriteFile(path, []byte("name: old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Name = "Fresh"
	cfg.Dispatch.MaxDelay = 9 * time.Second
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil || string(bak) != "name: old\n" {
		t.Errorf("backup missing or wrong: %q %v", bak, err)
	}

	loaded, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Name != "Fresh" || loaded.Dispatch.MaxDelay != 9*time.Second {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestResolveAdminTokenFromEnv(t *testing.T) {
	t.Setenv(AdminTokenEnv, "from-env")
	cfg := DefaultConfig()
	cfg.Gateway.AuthToken = "from-config"

	if src := ResolveAdminToken(cfg, nil); src != "env" {
		t.Errorf("expected env source, got %q", src)
	}
	if cfg.Gateway.AuthToken != "from-env" {
		t.Errorf("token not overridden: %q", cfg.Gateway.AuthToken)
	}
}
