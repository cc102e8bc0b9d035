// Package relay is a local stand-in for the hosted realtime backend. It
// serves the Phoenix websocket protocol for postgres_changes subscriptions
// and a minimal REST write path; every write is stored in SQLite and fanned
// out to matching subscribers.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/markb/csrealtime/internal/db"
	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/observability"
	"github.com/markb/csrealtime/internal/phoenix"
)

// Config holds relay configuration
type Config struct {
	JWTSecret  string
	AnonKey    string
	ServiceKey string
	// CORSOrigins defaults to any origin.
	CORSOrigins []string
	// ChangeRetention bounds the change journal; zero keeps everything.
	ChangeRetention time.Duration
}

// Service wires the store, the hub and the HTTP surface together.
type Service struct {
	hub     *Hub
	db      *db.DB
	cfg     Config
	metrics *observability.RelayMetrics
	logger  *slog.Logger
}

// NewService creates a relay over database. metrics may be nil.
func NewService(database *db.DB, cfg Config, metrics *observability.RelayMetrics) *Service {
	logger := log.Component("relay")
	return &Service{
		hub:     NewHub(cfg.JWTSecret, metrics, logger),
		db:      database,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Hub returns the connection hub
func (s *Service) Hub() *Hub {
	return s.hub
}

// Close drops every websocket connection. http.Server.Shutdown does not
// touch hijacked connections, so call it alongside.
func (s *Service) Close() {
	if n := s.hub.CloseAll(); n > 0 {
		s.logger.Info("closed websocket connections", "count", n)
	}
}

// Stats returns realtime statistics
func (s *Service) Stats() HubStats {
	return s.hub.Stats()
}

// NotifyChange broadcasts a stored change to subscribers and returns how
// many channel subscriptions received it.
func (s *Service) NotifyChange(ctx context.Context, c *db.Change) int {
	ev := phoenix.ChangeEvent{
		Schema:          "public",
		Table:           c.Table,
		CommitTimestamp: c.CommitTimestamp.Format(db.TimeFormat),
		EventType:       c.Type,
		New:             c.Record,
		Old:             c.OldRecord,
	}
	if ev.New == nil {
		ev.New = map[string]any{}
	}
	if ev.Old == nil {
		ev.Old = map[string]any{}
	}
	n := s.hub.broadcastChange(ev)
	s.metrics.RecordChange(ctx, c.Table, c.Type)
	s.logger.Debug("change published", "table", c.Table, "type", c.Type, "seq", c.Seq, "receivers", n)
	return n
}

// PruneLoop trims the change journal every interval until ctx is done.
func (s *Service) PruneLoop(ctx context.Context, interval time.Duration) {
	if s.cfg.ChangeRetention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.db.PruneChanges(ctx, time.Now().Add(-s.cfg.ChangeRetention))
			if err != nil {
				s.logger.Warn("failed to prune change journal", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("change journal pruned", "removed", n)
			}
		}
	}
}
