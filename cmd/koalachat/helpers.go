package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/koalaswap/chatsync"
)

// getClient creates a chat client from the stored configuration.
func getClient() *chatsync.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" && cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'koalachat init <token>' first.")
		os.Exit(1)
	}
	return newClient(cfg)
}

func newClient(cfg *Config) *chatsync.Client {
	opts := []chatsync.ClientOption{
		chatsync.WithToken(cfg.Auth.Token),
		chatsync.WithUserID(cfg.Auth.UserID),
		chatsync.WithLogger(slog.Default()),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSPath != "" {
		opts = append(opts, chatsync.WithWebSocketPath(cfg.Default.WSPath))
	}
	return chatsync.NewClient(opts...)
}

// apiError turns a backend error into a CLI message.
func apiError(err error) error {
	var apiErr *chatsync.APIError
	switch {
	case chatsync.IsRateLimited(err):
		return fmt.Errorf("sending too fast, wait a moment and try again")
	case chatsync.IsNotFound(err):
		return fmt.Errorf("conversation not found")
	case errors.As(err, &apiErr):
		return fmt.Errorf("API error: HTTP %d: %s", apiErr.StatusCode, valueOrDefault(apiErr.Message, "(no details)"))
	}
	return fmt.Errorf("request failed: %w", err)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatMessage(m chatsync.Message) string {
	sender := m.SenderID
	if sender == "" {
		sender = "system"
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("2006-01-02 15:04"), sender, m.Preview())
}
