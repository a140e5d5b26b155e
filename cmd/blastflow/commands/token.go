package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/blastflow/pkg/blastflow/config"
)

// newTokenCmd manages the admin gateway token in the OS keyring.
func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the admin gateway token in the OS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the admin token (prompted, not echoed)",
		RunE: func(_ *cobra.Command, _ []string) error {
			token, err := config.ReadPassword("Admin token: ")
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("empty token")
			}
			if err := config.StoreAdminToken(token); err != nil {
				return err
			}
			color.Green("✓ admin token stored in the OS keyring")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the admin token from the OS keyring",
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.DeleteAdminToken(); err != nil {
				return err
			}
			color.Green("✓ admin token removed")
			return nil
		},
	})

	return cmd
}
