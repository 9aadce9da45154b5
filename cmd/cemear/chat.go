package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cemear "github.com/cemear/cemear-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread bool

	// messages
	messagesPages int

	// send
	sendWait time.Duration
)

func init() {
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(startCmd)

	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only list conversations with unread messages")
	messagesCmd.Flags().IntVar(&messagesPages, "pages", 1, "Number of history pages to fetch")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "How long to wait for the server to confirm")
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the user directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext(cmd)
		defer cancel()

		users, err := s.client.ListUsers(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), users)
		}
		for _, u := range users {
			if u.ID == s.cfg.Auth.UserID {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", u.ID, u.Username)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext(cmd)
		defer cancel()

		store, err := s.store(ctx)
		if err != nil {
			return err
		}
		convs := store.Conversations()
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), convs)
		}

		out := cmd.OutOrStdout()
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		for _, c := range convs {
			peerID, peer := c.Peer(s.cfg.Auth.UserID)
			last := ""
			if c.LastMessage != nil {
				last = preview(c.LastMessage, s.client.BaseURL())
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf("(%d)", c.UnreadCount)
			}
			fmt.Fprintf(out, "%-24s %-16s %-5s %s\n", c.ID, displayName(peerID, peer), unread, last)
		}
		fmt.Fprintf(out, "\nUnread: %d\n", store.TotalUnread())
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print the history of a conversation, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext(cmd)
		defer cancel()

		store, err := s.store(ctx)
		if err != nil {
			return err
		}
		id := args[0]
		if _, ok := store.Conversation(id); !ok {
			return fmt.Errorf("conversation %s: %w", id, cemear.ErrUnknownConversation)
		}
		for i := 1; i < messagesPages && store.HasMore(id); i++ {
			if _, err := store.LoadMoreMessages(ctx, id); err != nil {
				return err
			}
		}

		msgs := store.Messages(id)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), msgs)
		}
		out := cmd.OutOrStdout()
		for i := range msgs {
			printMessage(cmd, &msgs[i], s.cfg.Auth.UserID, s.client.BaseURL())
		}
		if store.HasMore(id) {
			fmt.Fprintln(out, "(older messages available, use --pages)")
		}
		return nil
	},
}

func printMessage(cmd *cobra.Command, m *cemear.Message, userID, baseURL string) {
	who := m.SenderID
	if who == userID {
		who = "me"
	} else if m.Sender != nil && m.Sender.Username != "" {
		who = m.Sender.Username
	}
	flag := " "
	switch {
	case m.Status == cemear.StatusFailed:
		flag = "!"
	case m.Pending():
		flag = "~"
	case m.ReceiverID == userID && !m.Read:
		flag = "*"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %-12s %s\n", flag, m.CreatedAt.Local().Format("2006-01-02 15:04"), who, preview(m, baseURL))
}

func preview(m *cemear.Message, baseURL string) string {
	if name, url, ok := m.Attachment(baseURL); ok {
		return fmt.Sprintf("[file] %s <%s>", name, url)
	}
	return strings.ReplaceAll(m.Content, "\n", " ")
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext(cmd)
		defer cancel()

		m, err := s.messenger(ctx)
		defer m.Stop()
		if err != nil {
			return err
		}
		store, err := m.Store()
		if err != nil {
			return err
		}

		id, content := args[0], strings.Join(args[1:], " ")
		var (
			mu        sync.Mutex
			draftID   string
			once      sync.Once
			confirmed = make(chan struct{})
		)
		check := func() {
			mu.Lock()
			d := draftID
			mu.Unlock()
			if d == "" {
				return
			}
			if _, pending := store.Draft(id, d); !pending {
				once.Do(func() { close(confirmed) })
			}
		}
		sub := store.Subscribe(func(cemear.StoreChange) { check() })
		defer sub.Close()

		draft, err := m.SendMessage(ctx, id, content)
		if err != nil {
			return err
		}
		mu.Lock()
		draftID = draft.ID
		mu.Unlock()
		check()

		select {
		case <-confirmed:
			fmt.Fprintln(cmd.OutOrStdout(), "Sent.")
		case <-time.After(sendWait):
			fmt.Fprintln(cmd.OutOrStdout(), "Sent, not yet confirmed by the server.")
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext(cmd)
		defer cancel()

		m, err := s.messenger(ctx)
		defer m.Stop()
		if err != nil {
			// the REST call still works without the socket
			s.log.Warn("session_degraded", zap.Error(err))
		}
		if err := m.MarkConversationRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read.\n", args[0])
		return nil
	},
}

// ============================================================================
// start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open (or create) the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()
		ctx, cancel := commandContext(cmd)
		defer cancel()

		m, err := s.messenger(ctx)
		defer m.Stop()
		if err != nil {
			s.log.Warn("session_degraded", zap.Error(err))
		}
		conv, err := m.StartConversation(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), conv)
		}
		fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
		return nil
	},
}
