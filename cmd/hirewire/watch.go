package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	hirewire "github.com/hirewire/hirewire/sdk/golang"
)

var (
	watchConversations []string
	watchMetricsAddr   string
)

func init() {
	watchCmd.Flags().StringSliceVarP(&watchConversations, "conversation", "c", nil, "conversation id to join (repeatable)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay online and print live events",
	Long: "Restore the session, open the realtime connection and keep presence alive.\n" +
		"Events from joined conversations are printed as JSON lines until interrupted or the account is banned.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		printer := &eventPrinter{w: cmd.OutOrStdout()}
		reg := prometheus.NewRegistry()

		rt, err := newRealtime(cmd,
			hirewire.WithRegisterer(reg),
			hirewire.WithNavigator(hirewire.NavigatorFunc(func(path string) error {
				printer.print("navigate", map[string]string{"path": path})
				cancel(errBanned)
				return nil
			})),
			hirewire.WithBurstHandler(func(at time.Time) {
				printer.print("abnormal-burst", map[string]time.Time{"at": at})
			}),
		)
		if err != nil {
			return err
		}
		defer rt.Close()

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					printer.print("metrics-error", map[string]string{"error": err.Error()})
				}
			}()
			defer srv.Close()
		}

		rt.Conn.OnConnect(func(c hirewire.Connection) {
			printer.print("connected", c)
			for _, id := range watchConversations {
				if err := rt.Rooms.Join(ctx, id); err != nil {
					printer.print("join-error", map[string]string{"conversationId": id, "error": err.Error()})
				}
			}
		})
		rt.Conn.OnDisconnect(func(reason string) {
			printer.print("disconnected", map[string]string{"reason": reason})
		})
		rt.Rooms.OnMessage(func(p hirewire.NewMessagePayload) { printer.print(hirewire.EventNewMessage, p) })
		rt.Rooms.OnRoomUpdate(func(p hirewire.ConversationUpdatedPayload) {
			printer.print(hirewire.EventConversationUpdated, p)
		})
		rt.Rooms.OnTyping(func(p hirewire.TypingPayload) { printer.print("typing", p) })
		rt.Rooms.OnPresence(func(p hirewire.UserStatusPayload) { printer.print(hirewire.EventUserStatusUpdate, p) })

		s, err := rt.Start(ctx)
		if err != nil && !hirewire.IsNetworkError(err) {
			if errors.Is(context.Cause(ctx), errBanned) {
				return errBanned
			}
			return fmt.Errorf("session restore failed: %w", err)
		}
		if !s.IsAuthenticated {
			if err != nil {
				return fmt.Errorf("session restore failed: %w", err)
			}
			return errors.New("not logged in; run 'hirewire login <token>'")
		}
		printer.print("session", s)

		<-ctx.Done()
		if errors.Is(context.Cause(ctx), errBanned) {
			return errBanned
		}
		return nil
	},
}

var errBanned = errors.New("account banned")

// eventPrinter writes one JSON object per line. Handlers run on the
// connection's read goroutine, so writes are serialized.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *eventPrinter) print(event string, data any) {
	line, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, data})
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, string(line))
}
