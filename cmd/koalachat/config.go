package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/koalaswap/chatsync"
)

var configShowJSON bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the endpoint and credentials koalachat uses",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings, token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if configShowJSON {
			return printJSON(effectiveSettings(cfg))
		}
		path, _ := configPath()
		fmt.Printf("Config file: %s\n", path)
		writeSettings(os.Stdout, cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one of default.base_url, default.ws_path, auth.token, auth.user_id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := args[1]
		if args[0] == "auth.token" {
			shown = maskKey(shown)
		}
		fmt.Printf("%s = %s\n", args[0], shown)
		return nil
	},
}

// settings is what the client will actually use, with secrets masked.
type settings struct {
	BaseURL      string `json:"baseUrl"`
	WebSocketURL string `json:"webSocketUrl"`
	Token        string `json:"token"`
	UserID       string `json:"userId"`
}

func effectiveSettings(cfg *Config) settings {
	token := "(not set)"
	if cfg.Auth.Token != "" {
		token = maskKey(cfg.Auth.Token)
	}
	return settings{
		BaseURL:      valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL),
		WebSocketURL: newClient(cfg).WebSocketURL(),
		Token:        token,
		UserID:       valueOrDefault(cfg.Auth.UserID, "(not set)"),
	}
}

func writeSettings(w io.Writer, cfg *Config) {
	s := effectiveSettings(cfg)
	fmt.Fprintf(w, "  Base URL:   %s%s\n", s.BaseURL, defaultMark(cfg.Default.BaseURL))
	fmt.Fprintf(w, "  WebSocket:  %s%s\n", s.WebSocketURL, defaultMark(cfg.Default.WSPath))
	fmt.Fprintf(w, "  Token:      %s\n", s.Token)
	fmt.Fprintf(w, "  User ID:    %s\n", s.UserID)
}

func defaultMark(configured string) string {
	if configured == "" {
		return " (default)"
	}
	return ""
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowJSON, "json", false, "Output JSON")
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
