package server

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Allow same-origin requests, or requests with no Origin header
		// No Origin header = direct connection (non-browser clients like curl, testing tools)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// StreamHub serves live bus traffic to websocket clients. Each client
// gets its own bounded bus.Stream, so a slow client only loses its own
// messages and is disconnected if it keeps falling behind.
type StreamHub struct {
	bus     *bus.Bus
	clients atomic.Int64
}

// NewStreamHub creates a hub over b.
func NewStreamHub(b *bus.Bus) *StreamHub {
	return &StreamHub{bus: b}
}

// Clients returns the number of connected clients.
func (h *StreamHub) Clients() int64 { return h.clients.Load() }

// frame is one websocket message.
type frame struct {
	Topic string      `json:"topic"`
	Data  bus.Payload `json:"data"`
}

// HandleWebSocket upgrades the request and streams {topic, data} frames.
// The current latest value of every topic is sent first. An optional
// "topic" query parameter (repeatable) filters the stream.
func (h *StreamHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	topics := r.URL.Query()["topic"]
	stream := h.bus.OpenStream(topics...)
	n := h.clients.Add(1)
	log.Printf("WebSocket client connected (total: %d)", n)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.bus.CloseStream(stream)
		conn.Close()
		n := h.clients.Add(-1)
		log.Printf("WebSocket client disconnected (total: %d)", n)
	}()

	go h.writeLoop(ctx, cancel, conn, stream, topics)

	// Read loop handles ping/pong and detects connection close
	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// writeLoop is the only writer on conn. It exits on context cancel, on a
// write error, or when the bus closes the stream for overflowing.
func (h *StreamHub) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, stream *bus.Stream, topics []string) {
	defer cancel()

	write := func(f frame) bool {
		conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
		if err := conn.WriteJSON(f); err != nil {
			log.Printf("WebSocket write error: %v", err)
			return false
		}
		return true
	}

	for topic, payload := range h.snapshot(topics) {
		if !write(frame{Topic: topic, Data: payload}) {
			conn.Close()
			return
		}
	}

	ticker := time.NewTicker(config.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream.C:
			if !ok {
				log.Printf("WebSocket client too slow, disconnecting")
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(config.WSWriteDeadline))
				conn.Close()
				return
			}
			if !write(frame{Topic: msg.Topic, Data: msg.Payload}) {
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (h *StreamHub) snapshot(topics []string) map[string]bus.Payload {
	all := h.bus.Snapshot()
	if len(topics) == 0 {
		return all
	}
	out := make(map[string]bus.Payload, len(topics))
	for _, t := range topics {
		if p, ok := all[t]; ok {
			out[t] = p
		}
	}
	return out
}
