package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/observability"
	"github.com/markb/csrealtime/internal/realtime"
)

const cleanupTimeout = 5 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow chat messages, sessions and agent status",
	Long: `Subscribes to the chat streams and prints every change as a JSON line.
Customers receive messages for --scope (a session id) and sessions for
--customer; agents receive all customer messages, all sessions and agent
status. Subscriptions are recreated after every scheduled reconnect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClientConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("scope") {
			cfg.Scope, _ = cmd.Flags().GetString("scope")
		}
		customer, _ := cmd.Flags().GetString("customer")
		interval, _ := cmd.Flags().GetDuration("status-interval")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tel, cleanupTel, err := observability.Init(ctx, &cfg.Metrics)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		defer cleanupTel()

		tr, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer tr.Shutdown()

		out := &eventPrinter{w: cmd.OutOrStdout()}
		w := &watcher{
			out:       out,
			scope:     cfg.Scope,
			customer:  customer,
			clock:     clock.WallClock,
			retryBase: cfg.Realtime.ReconnectBase,
			retryCap:  cfg.Realtime.ReconnectCap,
		}

		mcfg := managerConfig(cfg, tel)
		mcfg.OnReconnect = w.subscribe
		m := realtime.NewManager(tr, mcfg)

		if err := w.subscribeAll(m); err != nil {
			m.Cleanup(context.Background())
			return err
		}
		log.Info("watching", "role", string(m.Role()), "transport", cfg.Transport)

		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				w.stop()
				cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
				m.Cleanup(cctx)
				cancel()
				return nil
			case <-tick:
				out.print("status", statusLine(m.Status(), m.IsHealthy()))
			}
		}
	},
}

// watcher owns the subscription set so it can be rebuilt after a reconnect.
type watcher struct {
	out       *eventPrinter
	scope     string
	customer  string
	clock     clock.Clock
	retryBase time.Duration
	retryCap  time.Duration

	mu      sync.Mutex
	retries int
	timer   clock.Timer
	stopped bool
}

func (w *watcher) subscribeAll(m *realtime.Manager) error {
	if _, err := m.SubscribeToMessages(func(ev realtime.MessageEvent) {
		w.out.print("message", ev)
	}, w.scope); err != nil {
		return err
	}
	if _, err := m.SubscribeToSessions(func(ev realtime.SessionEvent) {
		w.out.print("session", ev)
	}, w.customer); err != nil {
		return err
	}
	if m.Role() == realtime.RoleAgent {
		if _, err := m.SubscribeToAgentStatus(func(ev realtime.AgentStatusEvent) {
			w.out.print("agent_status", ev)
		}); err != nil {
			return err
		}
	}
	return nil
}

// subscribe is the reconnect hook. A failed rebuild releases whatever it
// opened and is retried with backoff until it succeeds or the watcher stops.
func (w *watcher) subscribe(m *realtime.Manager) {
	w.mu.Lock()
	w.timer = nil
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	err := w.subscribeAll(m)
	if err != nil {
		m.Cleanup(context.Background())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		if w.retries > 0 {
			log.Info("resubscribed", "retries", w.retries)
		}
		w.retries = 0
		return
	}
	if w.stopped {
		return
	}
	w.retries++
	delay := realtime.ReconnectDelay(w.retries, w.retryBase, w.retryCap)
	log.Warn("resubscribe failed", "error", err, "retry", w.retries, "delay", delay.String())
	w.timer = w.clock.AfterFunc(delay, func() { w.subscribe(m) })
}

// stop cancels any pending resubscribe.
func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

type statusView struct {
	Role              string  `json:"role"`
	State             string  `json:"state"`
	Healthy           bool    `json:"healthy"`
	Channels          int     `json:"channels"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
	QueuedMessages    int     `json:"queued_messages"`
	SinceLastMessage  float64 `json:"since_last_message_seconds,omitempty"`
	RecentActivity    bool    `json:"recent_activity"`
}

func statusLine(st realtime.Status, healthy bool) statusView {
	return statusView{
		Role:              string(st.Role),
		State:             string(st.State),
		Healthy:           healthy,
		Channels:          st.Channels,
		ReconnectAttempts: st.ReconnectAttempts,
		QueuedMessages:    st.QueuedMessages,
		SinceLastMessage:  st.SinceLastMessage.Seconds(),
		RecentActivity:    st.RecentActivity,
	}
}

// eventPrinter writes one JSON object per line. Deliveries and status ticks
// come from different goroutines.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *eventPrinter) print(kind string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := json.NewEncoder(p.w)
	if err := enc.Encode(map[string]any{
		"at":   time.Now().UTC().Format(time.RFC3339Nano),
		"kind": kind,
		"data": v,
	}); err != nil {
		log.Warn("failed to print event", "kind", kind, "error", err)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addClientFlags(watchCmd)
	watchCmd.Flags().String("scope", "", "Session id to follow (customers)")
	watchCmd.Flags().String("customer", "", "Customer id to filter sessions by (customers)")
	watchCmd.Flags().Duration("status-interval", 30*time.Second, "Print connection status this often (0 disables)")
}
