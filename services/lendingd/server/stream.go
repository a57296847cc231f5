package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"revenuechannels/core/events"
)

const (
	wsWriteTimeout     = 10 * time.Second
	subscriberBacklog  = 64
	streamCloseMessage = "stream closed"
)

// Hub fans engine events out to websocket subscribers. Slow subscribers drop
// events rather than stall the engine.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan events.Record
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan events.Record)}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	rec, ok := evt.(events.Record)
	if !ok {
		rec = events.Record{Type: evt.EventType()}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Subscribe registers a listener and returns its channel and a cancel func.
func (h *Hub) Subscribe() (<-chan events.Record, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan events.Record, subscriberBacklog)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleStream upgrades to a websocket and forwards events whose type starts
// with the optional "type" query prefix.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, streamCloseMessage)

	ctx := conn.CloseRead(r.Context())
	updates, cancel := s.hub.Subscribe()
	defer cancel()
	if err := streamEvents(ctx, conn, updates, prefix); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan events.Record, prefix string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if prefix != "" && !strings.HasPrefix(rec.Type, prefix) {
				continue
			}
			if err := writeEvent(ctx, conn, rec); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
