package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/koalaswap/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsArchived bool
	conversationsPinned   bool
	conversationsJSON     bool

	// messages
	messagesPage int
	messagesSize int
	messagesJSON bool

	// send
	sendImage string
	sendJSON  bool

	// pin / archive
	pinUndo     bool
	archiveUndo bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.ListConversations(ctx, chatsync.ListConversationsOptions{
			Size:         50,
			OnlyArchived: conversationsArchived,
			OnlyPinned:   conversationsPinned,
		})
		if err != nil {
			return apiError(err)
		}

		if conversationsJSON {
			return printJSON(page)
		}

		if len(page.Content) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range page.Content {
			fmt.Println(formatSummary(c))
		}
		return nil
	},
}

func formatSummary(c chatsync.ConversationSummary) string {
	flags := ""
	if c.PinnedAt != nil {
		flags += " [pinned]"
	}
	if c.OrderStatus != nil {
		flags += " [" + string(*c.OrderStatus) + "]"
	}
	unread := ""
	if c.Unread > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.Unread)
	}
	return fmt.Sprintf("  %s  %s / %s%s%s\n      %s",
		c.ID,
		valueOrDefault(c.PeerNickname, c.PeerUserID),
		valueOrDefault(c.ProductTitle, c.ProductID),
		flags, unread,
		valueOrDefault(c.LastMessagePreview, "(no messages)"))
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show one page of a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.ListMessages(ctx, args[0], messagesPage, messagesSize)
		if err != nil {
			return apiError(err)
		}

		if messagesJSON {
			return printJSON(page)
		}

		if len(page.Content) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range page.Content {
			fmt.Println(formatMessage(m))
		}
		if page.HasNext() {
			fmt.Printf("-- older messages: --page %d\n", page.Number+1)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a text message, or an image with --image",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx := context.Background()

		var (
			msg *chatsync.Message
			err error
		)
		switch {
		case sendImage != "":
			msg, err = client.SendImage(ctx, args[0], sendImage)
		case len(args) == 2:
			msg, err = client.SendText(ctx, args[0], args[1])
		default:
			return fmt.Errorf("nothing to send: pass the text or --image <url>")
		}
		if err != nil {
			if errors.Is(err, chatsync.ErrEmptyMessage) {
				return err
			}
			return apiError(err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", args[0])
		fmt.Printf("  Message ID: %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// pin / archive / mute
// ============================================================================

var pinCmd = &cobra.Command{
	Use:   "pin <conversation-id>",
	Short: "Pin a conversation to the top of the list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := getClient().PinConversation(ctx, args[0], !pinUndo); err != nil {
			return apiError(err)
		}
		fmt.Println("OK")
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := getClient().ArchiveConversation(ctx, args[0], !archiveUndo); err != nil {
			return apiError(err)
		}
		fmt.Println("OK")
		return nil
	},
}

var muteCmd = &cobra.Command{
	Use:   "mute <conversation-id> [minutes]",
	Short: "Mute a conversation; 0 minutes unmutes",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes := 60
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid minutes %q", args[1])
			}
			minutes = n
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := getClient().MuteConversation(ctx, args[0], minutes); err != nil {
			return apiError(err)
		}
		fmt.Println("OK")
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsArchived, "archived", false, "Show only archived conversations")
	conversationsCmd.Flags().BoolVar(&conversationsPinned, "pinned", false, "Show only pinned conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesPage, "page", "p", 0, "History page, 0 is the newest")
	messagesCmd.Flags().IntVarP(&messagesSize, "size", "n", 20, "Messages per page")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendImage, "image", "", "Send an uploaded image by URL")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")

	pinCmd.Flags().BoolVar(&pinUndo, "undo", false, "Unpin instead")
	archiveCmd.Flags().BoolVar(&archiveUndo, "undo", false, "Unarchive instead")

	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, pinCmd, archiveCmd, muteCmd)
}
