package pgnotify

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

const eventBufferSize = 256

// command is a pending LISTEN (listen) or UNLISTEN for ch.
type command struct {
	listen bool
	name   string
	ch     *Channel
}

// session owns one listener connection. pgx connections are not safe for
// concurrent use, so run is the only goroutine touching conn; Open and Close
// queue commands and wake it out of WaitForNotification.
type session struct {
	t      *Transport
	conn   *pgx.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Transport.mu
	pending []command
	wake    context.CancelFunc

	// owned by run
	listeners map[string]map[*Channel]struct{}

	evMu     sync.Mutex
	events   chan func()
	finished bool
}

func newSession(t *Transport, conn *pgx.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		t:         t,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]map[*Channel]struct{}),
		events:    make(chan func(), eventBufferSize),
	}
}

// submitLocked queues cmd. Transport.mu must be held.
func (s *session) submitLocked(cmd command) {
	s.pending = append(s.pending, cmd)
	if s.wake != nil {
		s.wake()
		s.wake = nil
	}
}

// stop ends run, which closes the connection.
func (s *session) stop() {
	s.cancel()
}

func (s *session) run() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		s.conn.Close(ctx)
		s.finish()
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		s.t.mu.Lock()
		cmds := s.pending
		s.pending = nil
		s.t.mu.Unlock()

		for _, cmd := range cmds {
			if err := s.apply(cmd); err != nil && s.conn.IsClosed() {
				s.t.lost(s, err)
				return
			}
		}

		waitCtx, cancel := context.WithCancel(s.ctx)
		s.t.mu.Lock()
		if len(s.pending) > 0 {
			s.t.mu.Unlock()
			cancel()
			continue
		}
		s.wake = cancel
		s.t.mu.Unlock()

		n, err := s.conn.WaitForNotification(waitCtx)

		s.t.mu.Lock()
		s.wake = nil
		s.t.mu.Unlock()
		cancel()

		switch {
		case err == nil:
			s.t.notify(s, n.Channel, n.Payload)
		case s.ctx.Err() != nil:
			return
		case waitCtx.Err() != nil && !s.conn.IsClosed():
			// woken for a command
		default:
			s.t.lost(s, err)
			return
		}
	}
}

// apply runs one command. LISTEN and UNLISTEN are only issued for the first
// and last channel on a notification channel.
func (s *session) apply(cmd command) error {
	set := s.listeners[cmd.name]
	ident := pgx.Identifier{cmd.name}.Sanitize()

	if cmd.listen {
		if len(set) == 0 {
			if _, err := s.conn.Exec(s.ctx, "LISTEN "+ident); err != nil {
				s.t.listened(s, cmd.ch, err)
				return err
			}
			set = make(map[*Channel]struct{})
			s.listeners[cmd.name] = set
		}
		set[cmd.ch] = struct{}{}
		s.t.listened(s, cmd.ch, nil)
		return nil
	}

	if _, ok := set[cmd.ch]; !ok {
		return nil
	}
	delete(set, cmd.ch)
	if len(set) > 0 {
		return nil
	}
	delete(s.listeners, cmd.name)
	_, err := s.conn.Exec(s.ctx, "UNLISTEN "+ident)
	return err
}

func (s *session) enqueue(fn func()) {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if s.finished {
		return
	}
	s.events <- fn
}

func (s *session) finish() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if !s.finished {
		s.finished = true
		close(s.events)
	}
}

// dispatch runs deliveries in arrival order.
func (s *session) dispatch() {
	for fn := range s.events {
		fn()
	}
}
