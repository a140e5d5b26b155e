package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/jholhewres/blastflow/pkg/blastflow/config"
)

func TestRequestReset(t *testing.T) {
	var gotAuth string
	var gotBody map[string]bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/reset" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := requestReset(context.Background(), srv.URL, "tok", false); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if v, ok := gotBody["delete_credentials"]; !ok || v {
		t.Errorf("unexpected body %v", gotBody)
	}
}

func TestRequestResetErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"message":"reset already in progress","code":409}}`))
	}))
	defer srv.Close()

	err := requestReset(context.Background(), srv.URL, "", true)
	if err == nil || !strings.Contains(err.Error(), "reset already in progress") {
		t.Errorf("expected gateway message, got %v", err)
	}

	srv.Close()
	if err := requestReset(context.Background(), srv.URL, "", true); err == nil {
		t.Error("expected connection error")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		verbose   bool
		wantJSON  bool
		wantDebug bool
	}{
		{"auto on buffer is json", config.LoggingConfig{}, false, true, false},
		{"text", config.LoggingConfig{Format: "text"}, false, false, false},
		{"debug level", config.LoggingConfig{Level: "debug", Format: "json"}, false, true, true},
		{"verbose wins", config.LoggingConfig{Level: "error"}, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(tt.cfg, tt.verbose, &buf)
			logger.Info("hello")

			isJSON := strings.HasPrefix(buf.String(), "{")
			if isJSON != tt.wantJSON {
				t.Errorf("json = %v, want %v (%q)", isJSON, tt.wantJSON, buf.String())
			}
			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestDisplayAddr(t *testing.T) {
	tests := map[string]string{
		"[::]:3000":      "localhost:3000",
		"0.0.0.0:3000":   "localhost:3000",
		":3000":          "localhost:3000",
		"127.0.0.1:8085": "127.0.0.1:8085",
		"garbage":        "garbage",
	}
	for in, want := range tests {
		if got := displayAddr(in); got != want {
			t.Errorf("displayAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildApp(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WhatsApp.SessionDir = t.TempDir()
	cfg.Reset.Timezone = "UTC"
	cfg.Gateway.Enabled = true

	a, err := buildApp(cfg, "test", slog.Default())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if a.gateway == nil {
		t.Error("gateway should be built when enabled")
	}
	jobs := a.scheduler.List()
	if len(jobs) != 1 || jobs[0].ID != resetJobID || jobs[0].Schedule != "0 0 * * *" {
		t.Errorf("unexpected jobs %+v", jobs)
	}
	st := a.console.Status()
	if st.Session.Initialized || st.Connections != 0 {
		t.Errorf("unexpected fresh status %+v", st)
	}

	cfg.Reset.Schedule = ""
	cfg.Gateway.Enabled = false
	a, err = buildApp(cfg, "test", slog.Default())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if a.gateway != nil || len(a.scheduler.List()) != 0 {
		t.Error("gateway and reset job should be absent")
	}
}

func TestPrintBanner(t *testing.T) {
	color.NoColor = true
	cfg := config.DefaultConfig()
	cfg.WhatsApp.SessionDir = t.TempDir()
	cfg.Reset.Timezone = "UTC"
	a, err := buildApp(cfg, "test", slog.Default())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var out bytes.Buffer
	printBanner(&out, cfg, a)
	got := out.String()
	if !strings.HasPrefix(got, logo+"  dashboard  http://") {
		t.Errorf("logo should be followed directly by the dashboard line:\n%s", got)
	}
	if !strings.Contains(got, "0 0 * * * UTC") || strings.Contains(got, "admin api") {
		t.Errorf("unexpected banner:\n%s", got)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blastflow.yaml")

	root := NewRootCmd("test")
	root.SetArgs([]string{"config", "init", "--output", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	root = NewRootCmd("test")
	root.SetArgs([]string{"config", "init", "--output", path})
	if err := root.Execute(); err == nil {
		t.Error("second init without --force should fail")
	}

	var out bytes.Buffer
	root = NewRootCmd("test")
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "config", "show"})
	if err := root.Execute(); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "# source: "+path) || !strings.Contains(out.String(), "team_capacity: 3") {
		t.Errorf("unexpected show output:\n%s", out.String())
	}
}
