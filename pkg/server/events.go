package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enlightenev/enlightenev/pkg/coordinator"
	"github.com/enlightenev/enlightenev/pkg/log"
)

const (
	eventBuffer  = 32
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// eventHub fans coordinator events out to websocket subscribers. A slow
// subscriber drops events rather than blocking a coordinator.
type eventHub struct {
	mu      sync.Mutex
	clients map[chan coordinator.Event]struct{}
	closed  bool
	done    chan struct{}
}

func newEventHub() *eventHub {
	return &eventHub{
		clients: map[chan coordinator.Event]struct{}{},
		done:    make(chan struct{}),
	}
}

func (h *eventHub) subscribe() chan coordinator.Event {
	ch := make(chan coordinator.Event, eventBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[ch] = struct{}{}
	return ch
}

func (h *eventHub) unsubscribe(ch chan coordinator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, ch)
}

func (h *eventHub) publish(ev coordinator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// handleEvents streams coordinator events as JSON text messages until the
// client goes away or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Ctx(ctx).WarnContext(ctx, "websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	events := s.events.subscribe()
	defer s.events.unsubscribe(events)
	log.Ctx(ctx).DebugContext(ctx, "event subscriber connected", slog.String("remote", r.RemoteAddr))

	// the reader only exists to notice the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Ctx(ctx).DebugContext(ctx, "event subscriber read failed", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "event write failed", slog.Any("error", err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-s.events.done:
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeTimeout),
			)
			return
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}
