package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/blastflow/pkg/blastflow/channels/whatsapp"
	"github.com/jholhewres/blastflow/pkg/blastflow/config"
	"github.com/jholhewres/blastflow/pkg/blastflow/console"
	"github.com/jholhewres/blastflow/pkg/blastflow/dispatch"
	"github.com/jholhewres/blastflow/pkg/blastflow/gateway"
	"github.com/jholhewres/blastflow/pkg/blastflow/scheduler"
	"github.com/jholhewres/blastflow/pkg/blastflow/session"
	"github.com/jholhewres/blastflow/pkg/blastflow/webui"
)

// resetJobID names the scheduled daily reset.
const resetJobID = "daily-reset"

// newServeCmd creates the `blastflow serve` command.
func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard server and the WhatsApp engine",
		Long: `Start BlastFlow: the dashboard websocket server, the WhatsApp engine,
the blast queue and the daily reset schedule.

Examples:
  blastflow serve
  blastflow serve --config ./blastflow.yaml
  PORT=8080 blastflow serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
}

// app is the wired object graph of a running server.
type app struct {
	hub       *webui.Hub
	rooms     *session.Manager
	console   *console.Console
	engine    *whatsapp.WhatsApp
	scheduler *scheduler.Scheduler
	server    *webui.Server
	gateway   *gateway.Gateway
}

// buildApp wires every component. Nothing is started.
func buildApp(cfg *config.Config, version string, logger *slog.Logger) (*app, error) {
	hub := webui.NewHub(webui.HubConfig{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
	}, logger)
	rooms := session.NewManager(cfg.Session, hub, logger)

	con := console.New(cfg.Reset, cfg.WhatsApp.SessionDir, hub, rooms, logger)
	engine := whatsapp.New(cfg.WhatsApp, con.HandleEngineEvent, logger)
	dispatcher := dispatch.New(cfg.Dispatch, engine, con, logger)
	con.Attach(engine, dispatcher)
	hub.SetHandler(con)

	loc, err := scheduler.LoadLocation(cfg.Reset.Timezone)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(func(ctx context.Context, _ *scheduler.Job) error {
		return con.ResetSystem(ctx, "scheduled", cfg.Reset.DeleteCredentials)
	}, loc, logger)
	if cfg.Reset.Schedule != "" {
		if err := sched.Add(&scheduler.Job{
			ID:       resetJobID,
			Schedule: cfg.Reset.Schedule,
			Enabled:  true,
		}); err != nil {
			return nil, fmt.Errorf("scheduling reset: %w", err)
		}
	}

	a := &app{
		hub:       hub,
		rooms:     rooms,
		console:   con,
		engine:    engine,
		scheduler: sched,
		server:    webui.NewServer(cfg.Server, hub, logger),
	}
	if cfg.Gateway.Enabled {
		a.gateway = gateway.New(con, sched, cfg.Gateway, version, logger)
	}
	return a, nil
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose, os.Stdout)
	slog.SetDefault(logger)
	if path != "" {
		logger.Info("config loaded", "path", path)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Gateway.Enabled {
		config.ResolveAdminToken(cfg, logger)
	}

	a, err := buildApp(cfg, version, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.console.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := a.server.Start(ctx); err != nil {
		a.shutdown(logger)
		return fmt.Errorf("starting dashboard server: %w", err)
	}
	if a.gateway != nil {
		if err := a.gateway.Start(ctx); err != nil {
			a.shutdown(logger)
			return fmt.Errorf("starting admin gateway: %w", err)
		}
	}

	printBanner(os.Stdout, cfg, a)
	logger.Info(cfg.Name+" running. Press Ctrl+C to stop.",
		"address", a.server.Addr(),
		"reset_schedule", cfg.Reset.Schedule,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		a.shutdown(logger)
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// shutdown stops everything in reverse start order. Credentials are kept.
func (a *app) shutdown(logger *slog.Logger) {
	a.scheduler.Stop()
	if a.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.gateway.Stop(ctx); err != nil {
			logger.Warn("gateway shutdown failed", "error", err)
		}
		cancel()
	}
	a.server.Stop()
	a.console.Stop()
}

func printBanner(out io.Writer, cfg *config.Config, a *app) {
	cyan := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	cyan.Fprint(out, logo)
	fmt.Fprintf(out, "  %s  http://%s\n", dim.Sprint("dashboard"), displayAddr(a.server.Addr()))
	if a.gateway != nil {
		fmt.Fprintf(out, "  %s  http://%s\n", dim.Sprint("admin api"), displayAddr(a.gateway.Addr()))
	}
	if cfg.Reset.Schedule != "" {
		fmt.Fprintf(out, "  %s  %s %s\n", dim.Sprint("reset    "), cfg.Reset.Schedule, cfg.Reset.Timezone)
	}
	fmt.Fprintf(out, "  %s  %s\n\n", dim.Sprint("auth dir "), cfg.WhatsApp.SessionDir)
}

// displayAddr swaps a wildcard host for localhost so the link is clickable.
func displayAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
