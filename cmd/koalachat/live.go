package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/koalaswap/chatsync"
	"github.com/spf13/cobra"
)

var pollInterval time.Duration

// ============================================================================
// follow
// ============================================================================

var followCmd = &cobra.Command{
	Use:   "follow <conversation-id>",
	Short: "Follow a conversation live; lines typed on stdin are sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := chatsync.NewMessenger(client, chatsync.MessengerConfig{PollInterval: pollInterval})
		m.Start(ctx)
		defer m.Stop()

		view, err := m.Open(ctx, args[0])
		if err != nil {
			return apiError(err)
		}

		p := &viewPrinter{view: view, printed: make(map[string]bool)}
		p.print()
		view.OnChange(p.print)

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if _, err := view.SendText(ctx, line); err != nil {
					fmt.Fprintf(os.Stderr, "not sent: %v\n", apiError(err))
				}
			}
		}
	},
}

// viewPrinter prints each message of a view once, plus seen markers.
type viewPrinter struct {
	view *chatsync.ConversationView

	mu       sync.Mutex
	printed  map[string]bool
	lastSeen string
	status   chatsync.OrderStatus
}

func (p *viewPrinter) print() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if status := p.view.OrderStatus(); status != "" && status != p.status {
		p.status = status
		fmt.Printf("-- order %s --\n", status)
	}
	for _, msg := range p.view.Messages() {
		if p.printed[msg.ID] {
			continue
		}
		p.printed[msg.ID] = true
		fmt.Println(formatMessage(msg))
	}
	if id, ok := p.view.Seen(); ok && id != p.lastSeen {
		p.lastSeen = id
		fmt.Println("   seen")
	}
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the conversation list and unread badge live",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := chatsync.NewMessenger(client, chatsync.MessengerConfig{PollInterval: pollInterval})

		last := -1
		var mu sync.Mutex
		m.Conversations().OnChange(func(items []chatsync.ConversationSummary, total int) {
			mu.Lock()
			defer mu.Unlock()
			if total == last {
				return
			}
			last = total
			fmt.Printf("[%s] %d unread across %d conversations\n", time.Now().Format("15:04:05"), total, len(items))
			for _, c := range items {
				if c.Unread > 0 {
					fmt.Printf("    %s: %d\n", valueOrDefault(c.PeerNickname, c.ID), c.Unread)
				}
			}
		})

		m.Start(ctx)
		defer m.Stop()

		<-ctx.Done()
		return nil
	},
}

func init() {
	followCmd.Flags().DurationVar(&pollInterval, "poll", 15*time.Second, "Conversation list poll interval")
	watchCmd.Flags().DurationVar(&pollInterval, "poll", 15*time.Second, "Conversation list poll interval")
	rootCmd.AddCommand(followCmd, watchCmd)
}
