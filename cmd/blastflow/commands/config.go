package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/blastflow/pkg/blastflow/config"
)

// newConfigCmd creates `blastflow config`.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default blastflow.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("output")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfigToFile(config.DefaultConfig(), path); err != nil {
				return err
			}
			color.Green("✓ wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().StringP("output", "o", "blastflow.yaml", "destination file")
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file + environment)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Gateway.AuthToken != "" {
				cfg.Gateway.AuthToken = "********"
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if path == "" {
				path = "(defaults)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n%s", path, out)
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
