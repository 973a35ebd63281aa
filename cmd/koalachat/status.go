package main

import (
	"context"
	"fmt"
	"time"

	"github.com/koalaswap/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, then check the REST API and the realtime connection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Printf("  WS path:   %s\n", valueOrDefault(cfg.Default.WSPath, chatsync.DefaultWebSocketPath+" (default)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		if cfg.Auth.Token == "" && cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.ListConversations(ctx, chatsync.ListConversationsOptions{Size: 100})
		if err != nil {
			fmt.Printf("  REST:      %v\n", apiError(err))
		} else {
			unread := 0
			for _, c := range page.Content {
				unread += c.Unread
			}
			fmt.Printf("  REST:      ok (%d conversations, %d unread)\n", page.TotalElements, unread)
		}

		conn := chatsync.NewConnectionManager(
			chatsync.NewWebSocketDialer(client, chatsync.RealtimeConfig{}),
			func(ctx context.Context) (chatsync.Credentials, error) {
				return chatsync.Credentials{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID}, nil
			},
			chatsync.RealtimeConfig{},
		)
		conn.Connect()
		defer conn.Disconnect()

		if err := conn.WaitConnected(ctx); err != nil {
			fmt.Printf("  Realtime:  unreachable (%s)\n", client.WebSocketURL())
		} else {
			fmt.Printf("  Realtime:  connected (%s)\n", client.WebSocketURL())
		}
		return nil
	},
}
