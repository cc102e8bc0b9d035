package socket

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markb/csrealtime/internal/phoenix"
)

const (
	// Outbound frames buffered before writes fail
	sendBufferSize = 256

	// Inbound deliveries buffered before the read loop blocks
	eventBufferSize = 256

	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Maximum inbound frame size
	maxMessageSize = 512 * 1024
)

var errSendBufferFull = errors.New("socket send buffer full")

// conn is one websocket with its pumps. readPump decodes frames,
// writePump owns every write, and dispatch runs handler callbacks in order so
// slow callbacks never stall the socket.
type conn struct {
	ws        *websocket.Conn
	heartbeat time.Duration
	refs      *phoenix.Refs
	logger    *slog.Logger

	send      chan []byte // nil entry asks writePump to close gracefully
	done      chan struct{}
	closeOnce sync.Once
	leaving   atomic.Bool // closed on purpose; not a failure

	evMu     sync.Mutex
	events   chan func()
	finished bool
}

func newConn(ws *websocket.Conn, heartbeat time.Duration, refs *phoenix.Refs, logger *slog.Logger) *conn {
	return &conn{
		ws:        ws,
		heartbeat: heartbeat,
		refs:      refs,
		logger:    logger,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		events:    make(chan func(), eventBufferSize),
	}
}

// write queues a frame for writePump.
func (c *conn) write(msg *phoenix.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		return errSendBufferFull
	}
}

// enqueue hands a delivery to the dispatch goroutine. Deliveries queued
// after the read loop has finished are dropped.
func (c *conn) enqueue(fn func()) {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.finished {
		return
	}
	c.events <- fn
}

// finish stops dispatch once the queued deliveries have run.
func (c *conn) finish() {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if !c.finished {
		c.finished = true
		close(c.events)
	}
}

// shutdown flushes queued frames, sends a close frame and closes the socket.
func (c *conn) shutdown() {
	c.leaving.Store(true)
	select {
	case c.send <- nil:
	default:
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// readPump reads frames until the socket fails. Unless the connection was
// shut down on purpose the failure is reported through lost, whose
// deliveries still reach dispatch before it stops.
func (c *conn) readPump(route func(*conn, *phoenix.Message), lost func(*conn, error)) {
	defer func() {
		c.close()
		c.finish()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	deadline := 2 * c.heartbeat
	c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.leaving.Load() {
				lost(c, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(deadline))

		msg, err := phoenix.DecodeMessage(data)
		if err != nil {
			c.logger.Debug("invalid frame", "error", err.Error(), "len", len(data))
			continue
		}
		route(c, msg)
	}
}

// writePump writes queued frames and the Phoenix heartbeat.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if data == nil {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			data, err := phoenix.NewHeartbeat(c.refs.Next()).Encode()
			if err != nil {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// dispatch runs deliveries in arrival order.
func (c *conn) dispatch() {
	for fn := range c.events {
		fn()
	}
}
