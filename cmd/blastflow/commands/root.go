// Package commands implements the blastflow CLI using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/blastflow/pkg/blastflow/config"
)

const logo = `
 ____  _           _   _____ _
| __ )| | __ _ ___| |_|  ___| | _____      __
|  _ \| |/ _' / __| __| |_  | |/ _ \ \ /\ / /
| |_) | | (_| \__ \ |_|  _| | | (_) \ V  V /
|____/|_|\__,_|___/\__|_|   |_|\___/ \_/\_/
`

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blastflow",
		Short: "BlastFlow - WhatsApp bulk messaging console",
		Long: color.CyanString(logo) + `
A shared web console that links one WhatsApp account and sends paced,
personalized message batches to lists of contacts.

Examples:
  blastflow serve
  blastflow serve --config ./blastflow.yaml
  blastflow reset --keep-credentials
  blastflow token set`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newResetCmd(),
		newTokenCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

// loadConfig resolves the configuration for any subcommand.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, used, err := config.Load(path)
	if err != nil {
		return nil, used, fmt.Errorf("loading config: %w", err)
	}
	return cfg, used, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, verbose bool, out io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(cfg.Format)
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	if format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}
