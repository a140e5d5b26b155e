// Package gateway provides the optional admin HTTP API: health, a status
// snapshot, a manual reset trigger and on-demand runs of scheduled jobs.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/blastflow/pkg/blastflow/console"
	"github.com/jholhewres/blastflow/pkg/blastflow/scheduler"
)

// Config configures the admin API.
type Config struct {
	Enabled     bool     `yaml:"enabled"`
	Address     string   `yaml:"address"`
	AuthToken   string   `yaml:"auth_token" split_words:"true"`
	CORSOrigins []string `yaml:"cors_origins" split_words:"true"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Address: "127.0.0.1:8085"}
}

// System is what the gateway reports on and controls.
type System interface {
	Status() console.Status
	ResetSystem(ctx context.Context, trigger string, deleteCredentials bool) error
}

// Jobs exposes scheduled jobs. May be nil.
type Jobs interface {
	List() []scheduler.JobInfo
	RunNow(jobID string) error
}

// Gateway is the admin HTTP API.
type Gateway struct {
	system    System
	jobs      Jobs
	config    Config
	version   string
	server    *http.Server
	listener  net.Listener
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway.
func New(system System, jobs Jobs, cfg Config, version string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	return &Gateway{
		system:    system,
		jobs:      jobs,
		config:    cfg,
		version:   version,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/reset", g.handleReset)
	mux.HandleFunc("/api/jobs/{id}/run", g.handleRunJob)
	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(_ context.Context) error {
	g.startedAt = time.Now()

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("SECURITY: admin gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}
	g.listener = ln
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return g.config.Address
	}
	return g.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
