package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cemear "github.com/cemear/cemear-go"
)

var watchMetricsAddr string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages, receipts and presence until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("metrics_server_failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		m, err := s.messenger(ctx)
		defer m.Stop()
		if err != nil {
			s.log.Warn("session_degraded", zap.Error(err))
		}
		return watch(ctx, cmd, m)
	},
}

// watch prints live activity of m until ctx is done.
func watch(ctx context.Context, cmd *cobra.Command, m *cemear.Messenger) error {
	out := cmd.OutOrStdout()
	userID := m.UserID()
	store, err := m.Store()
	if err != nil {
		return err
	}

	badge, err := m.UnreadBadge()
	if err != nil {
		return err
	}
	defer badge.Unmount()
	badge.OnChange(func(n int) {
		fmt.Fprintf(out, "# unread: %d\n", n)
	})

	conn := m.Connection()
	stateSub := conn.OnStateChange(func(st cemear.ConnectionState) {
		fmt.Fprintf(out, "# connection: %s\n", st)
	})
	defer stateSub.Close()

	presenceSub := m.Presence().OnChange(func(online []string) {
		fmt.Fprintf(out, "# online: %d users\n", len(online))
	})
	defer presenceSub.Close()

	msgSub := conn.Subscribe(cemear.EventNewMessage, func(ev cemear.Event) {
		var msg cemear.Message
		if err := ev.Decode(&msg); err != nil || msg.SenderID == userID {
			return
		}
		printMessage(cmd, &msg, userID, m.Client().BaseURL())
	})
	defer msgSub.Close()

	fmt.Fprintf(out, "# watching as %s (%s), unread: %d. Ctrl-C to stop.\n", userID, conn.State(), store.TotalUnread())
	<-ctx.Done()
	return nil
}
