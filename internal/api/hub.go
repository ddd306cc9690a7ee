package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cryptosignal/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

type latestEntry struct {
	data []byte
	seq  int64
}

// Hub fans indicator snapshots out to websocket clients. It satisfies the
// pipeline publisher interface.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool
	latest  map[string]latestEntry
	seq     int64
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log.With("component", "live"),
		clients: make(map[*client]bool),
		latest:  make(map[string]latestEntry),
	}
}

// channel names a series feed, e.g. "ind:BTCUSDT:1h" or "live:BTCUSDT:1h".
func channel(key model.SeriesKey, live bool) string {
	prefix := "ind:"
	if live {
		prefix = "live:"
	}
	return prefix + key.Symbol + ":" + string(key.Timeframe)
}

// Publish broadcasts a JSON snapshot to every client watching its symbol.
// Slow clients lose messages rather than block the pipeline.
func (h *Hub) Publish(_ context.Context, key model.SeriesKey, live bool, data []byte) error {
	ch := channel(key, live)

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.latest[ch] = latestEntry{data: data, seq: seq}
	h.mu.Unlock()

	buf := envelope(ch, data, time.Now().UTC(), seq, false)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(key.Symbol) {
			continue
		}
		select {
		case c.send <- buf:
		default:
		}
	}
	return nil
}

// envelope builds {"channel":..,"data":..,"ts":..,"seq":..} without a
// reflection pass over data, which is already JSON.
func envelope(ch string, data []byte, now time.Time, seq int64, initial bool) []byte {
	buf := make([]byte, 0, len(ch)+len(data)+96)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, ch...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	if initial {
		buf = append(buf, `,"initial":true`...)
	}
	buf = append(buf, '}')
	return buf
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers a client. The optional
// symbols query parameter (comma separated) filters the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
		symbols: parseSymbols(r.URL.Query().Get("symbols")),
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.sendInitialLocked(c)
	h.mu.Unlock()
	h.log.Info("live client connected", "clients", count)

	go c.writePump()
	go c.readPump()
}

// sendInitialLocked queues the latest entry of every matching channel.
func (h *Hub) sendInitialLocked(c *client) {
	now := time.Now().UTC()
	for ch, e := range h.latest {
		parts := strings.SplitN(ch, ":", 3)
		if len(parts) == 3 && !c.wants(parts[1]) {
			continue
		}
		select {
		case c.send <- envelope(ch, e.data, now, e.seq, true):
		default:
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func parseSymbols(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out[s] = true
		}
	}
	return out
}

// client is a single websocket peer.
type client struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	symbols map[string]bool // nil means all
}

func (c *client) wants(symbol string) bool {
	return c.symbols == nil || c.symbols[symbol]
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients do not send data.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
