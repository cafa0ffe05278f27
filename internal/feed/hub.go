// Package feed pushes record changes to websocket subscribers.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"cvatsync/internal/domain"
)

const (
	subscriberBuffer = 32
	writeTimeout     = 5 * time.Second
)

// Hub fans changes out to subscribers. Slow subscribers drop messages
// rather than stall publishers.
type Hub struct {
	Logger *slog.Logger

	mu   sync.RWMutex
	subs map[chan domain.Change]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{Logger: logger, subs: make(map[chan domain.Change]struct{})}
}

// Publish delivers c to every subscriber without blocking.
func (h *Hub) Publish(c domain.Change) {
	if c.At == "" {
		c.At = time.Now().UTC().Format(time.RFC3339)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- c:
		default:
			h.Logger.Warn("feed subscriber full, dropping change", "type", c.Type)
		}
	}
}

// Subscribe registers a channel; call the returned func to leave.
func (h *Hub) Subscribe() (<-chan domain.Change, func()) {
	ch := make(chan domain.Change, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades to a websocket and streams changes as JSON text frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	changes, leave := h.Subscribe()
	defer leave()
	h.Logger.Debug("feed client connected", "subscribers", h.Subscribers())

	// CloseRead drains client frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			data, err := json.Marshal(c)
			if err != nil {
				h.Logger.Error("marshal change", "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.Logger.Debug("feed client write failed", "err", err)
				return
			}
		}
	}
}
