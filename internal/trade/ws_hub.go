package trade

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manaforge/market-engine/internal/events"
	"github.com/manaforge/market-engine/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSHub relays committed events to connected websocket clients. Clients
// may pass ?market=<id> to receive one market's events only.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn -> market filter
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
	logger     *zap.Logger
}

type wsClient struct {
	conn   *websocket.Conn
	market string
}

// NewWSHub creates a hub.
func NewWSHub(logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run forwards events from feed until ctx ends or feed closes. Must be
// called in a goroutine.
func (h *WSHub) Run(ctx context.Context, feed <-chan events.Event) {
	defer close(h.done)
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.market
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws-client-connected", zap.Int("total", n), zap.String("market", c.market))

		case conn := <-h.unregister:
			h.drop(conn)

		case e, ok := <-feed:
			if !ok {
				return
			}
			h.broadcast(e)
		}
	}
}

func (h *WSHub) broadcast(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("ws-encode-failed", zap.Error(err))
		return
	}
	h.mu.Lock()
	var dead []*websocket.Conn
	for conn, market := range h.clients {
		if market != "" && market != e.MarketID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range dead {
		h.drop(conn)
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		conn.Close()
		metrics.WebSocketClients.Set(float64(n))
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	metrics.WebSocketClients.Set(0)
}

func (h *WSHub) connected(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[conn]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles websocket upgrade requests at GET /ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws-upgrade-failed", zap.Error(err))
		return
	}
	select {
	case h.register <- wsClient{conn: conn, market: r.URL.Query().Get("market")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: detects disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Pings keep the connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if !h.connected(conn) {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
