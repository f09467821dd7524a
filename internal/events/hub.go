package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atmx/round-ledger/internal/metrics"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// subscriber is one WebSocket client. An empty address receives every
// event; otherwise only that player's events and events with no player.
type subscriber struct {
	conn    *websocket.Conn
	address string
}

func (s *subscriber) wants(e Event) bool {
	return s.address == "" || e.Address == "" || e.Address == s.address
}

type outbound struct {
	event Event
	data  []byte
}

// WSHub streams ledger events to WebSocket clients.
type WSHub struct {
	subs  map[*websocket.Conn]*subscriber
	queue chan outbound
	join  chan *subscriber
	leave chan *websocket.Conn
	done  chan struct{}
	mu    sync.RWMutex
	log   *zap.Logger
}

// NewWSHub creates a hub. Call Run before serving clients.
func NewWSHub(log *zap.Logger) *WSHub {
	return &WSHub{
		subs:  make(map[*websocket.Conn]*subscriber),
		queue: make(chan outbound, 256),
		join:  make(chan *subscriber),
		leave: make(chan *websocket.Conn),
		done:  make(chan struct{}),
		log:   log,
	}
}

// Run delivers queued events until ctx is cancelled, then closes every
// connection.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.subs {
				conn.Close()
			}
			clear(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s.conn] = s
			h.mu.Unlock()
			h.track()
			h.log.Debug("ws subscriber joined", zap.String("address", s.address))

		case conn := <-h.leave:
			h.drop(conn)
			h.track()

		case out := <-h.queue:
			h.deliver(out)
			h.track()
		}
	}
}

func (h *WSHub) deliver(out outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, s := range h.subs {
		if !s.wants(out.event) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
			conn.Close()
			delete(h.subs, conn)
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[conn]; ok {
		delete(h.subs, conn)
		conn.Close()
	}
}

// Clients returns the number of connected subscribers.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *WSHub) track() {
	metrics.WebSocketClients.Set(float64(h.Clients()))
}

// Publish queues e for delivery. It never blocks: when the queue is full
// the event is dropped for WebSocket clients only.
func (h *WSHub) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case h.queue <- outbound{event: e, data: data}:
	default:
		h.log.Warn("ws queue full, dropping event", zap.String("type", string(e.Type)))
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws. The optional address query parameter
// limits the stream to one player.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	s := &subscriber{conn: conn, address: strings.ToLower(r.URL.Query().Get("address"))}

	select {
	case h.join <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(conn)
	go h.pingPump(conn)
}

// readPump discards client frames and detects disconnects.
func (h *WSHub) readPump(conn *websocket.Conn) {
	defer func() {
		select {
		case h.leave <- conn:
		case <-h.done:
		}
	}()
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingPump keeps idle connections alive through proxies. Writes happen under
// the hub lock so they never interleave with deliver.
func (h *WSHub) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
		}
		h.mu.RLock()
		_, ok := h.subs[conn]
		if ok {
			ok = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)) == nil
		}
		h.mu.RUnlock()
		if !ok {
			return
		}
	}
}
