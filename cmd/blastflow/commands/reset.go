package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jholhewres/blastflow/pkg/blastflow/config"
)

// newResetCmd creates `blastflow reset`, which asks a running server to
// perform a full reset through its admin gateway.
func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset a running server (logs everyone out, relinks WhatsApp)",
		Long: `Ask a running BlastFlow server to reset: every dashboard goes back to
the login screen, the session room is cleared and the WhatsApp engine is
rebuilt. Unless --keep-credentials is set, the linked device is dropped
and a new QR code must be scanned.

Requires gateway.enabled on the server.`,
		RunE: runReset,
	}
	cmd.Flags().Bool("keep-credentials", false, "keep the linked WhatsApp device")
	cmd.Flags().String("address", "", "admin gateway address (default from config)")
	cmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
	return cmd
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	config.ResolveAdminToken(cfg, nil)

	address, _ := cmd.Flags().GetString("address")
	if address == "" {
		address = cfg.Gateway.Address
	}
	keep, _ := cmd.Flags().GetBool("keep-credentials")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := requestReset(ctx, "http://"+address, cfg.Gateway.AuthToken, !keep); err != nil {
		return err
	}
	color.Green("✓ reset complete")
	return nil
}

// requestReset posts to /api/reset and maps non-2xx replies to errors.
func requestReset(ctx context.Context, baseURL, token string, deleteCredentials bool) error {
	body, _ := json.Marshal(map[string]bool{"delete_credentials": deleteCredentials})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/reset", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting admin gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("reset rejected (%d): %s", resp.StatusCode, apiErr.Error.Message)
	}
	return fmt.Errorf("reset rejected: %s", resp.Status)
}
