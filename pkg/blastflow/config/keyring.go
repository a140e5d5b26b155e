package config

// The admin gateway token is resolved in this order:
//  1. BLASTFLOW_ADMIN_TOKEN environment variable (including .env files)
//  2. OS keyring (service "blastflow", key "admin_token")
//  3. gateway.auth_token in the config file

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService  = "blastflow"
	keyringAdminKey = "admin_token"

	// AdminTokenEnv overrides every other token source.
	AdminTokenEnv = "BLASTFLOW_ADMIN_TOKEN"
)

// StoreAdminToken saves the admin token to the OS keyring.
func StoreAdminToken(token string) error {
	if err := keyring.Set(keyringService, keyringAdminKey, token); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// DeleteAdminToken removes the admin token from the OS keyring.
func DeleteAdminToken() error {
	err := keyring.Delete(keyringService, keyringAdminKey)
	if err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("deleting from keyring: %w", err)
	}
	return nil
}

// keyringAdminToken returns the stored token or "" when missing or the
// keyring is unavailable.
func keyringAdminToken() string {
	val, err := keyring.Get(keyringService, keyringAdminKey)
	if err != nil {
		return ""
	}
	return val
}

// ResolveAdminToken fills cfg.Gateway.AuthToken from the highest-priority
// source and returns where it came from.
func ResolveAdminToken(cfg *Config, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	if tok := os.Getenv(AdminTokenEnv); tok != "" {
		cfg.Gateway.AuthToken = tok
		logger.Debug("admin token loaded from environment")
		return "env"
	}
	if tok := keyringAdminToken(); tok != "" {
		cfg.Gateway.AuthToken = tok
		logger.Debug("admin token loaded from OS keyring")
		return "keyring"
	}
	if cfg.Gateway.AuthToken != "" {
		logger.Debug("admin token loaded from config")
		return "config"
	}
	return ""
}

// ReadPassword prompts on stdout and reads a secret without echo. Piped
// input is read as-is.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	var (
		secret []byte
		err    error
	)
	if term.IsTerminal(fd) {
		secret, err = term.ReadPassword(fd)
		fmt.Println()
	} else {
		var buf [1024]byte
		var n int
		n, err = os.Stdin.Read(buf[:])
		secret = buf[:n]
	}
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(string(secret), "\r\n"), nil
}
