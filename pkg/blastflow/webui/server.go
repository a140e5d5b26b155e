package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Config holds dashboard server configuration.
type Config struct {
	Host            string   `yaml:"host" envconfig:"HOST"`
	Port            int      `yaml:"port" envconfig:"PORT"`
	StaticDir       string   `yaml:"static_dir" split_words:"true"`
	AllowedOrigins  []string `yaml:"allowed_origins" split_words:"true"`
	MaxMessageBytes int64    `yaml:"max_message_bytes" split_words:"true"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:            3000,
		StaticDir:       "public",
		MaxMessageBytes: 1 << 20,
	}
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server serves the dashboard assets and the websocket endpoint.
type Server struct {
	cfg    Config
	hub    *Hub
	logger *slog.Logger
	server *http.Server
	ln     net.Listener
}

// NewServer creates a dashboard server around hub.
func NewServer(cfg Config, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultConfig().Port
	}
	return &Server{
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "webui"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if info, err := os.Stat(s.cfg.StaticDir); err == nil && info.IsDir() {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	} else {
		s.logger.Warn("static directory not found, serving websocket only", "dir", s.cfg.StaticDir)
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = fmt.Fprintln(w, "BlastFlow is running. Connect a dashboard to /ws.")
		})
	}
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address(), err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("dashboard starting", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Address()
	}
	return s.ln.Addr().String()
}

// Stop closes websockets and shuts the server down.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("dashboard shutdown", "error", err)
	}
	s.logger.Info("dashboard stopped")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
