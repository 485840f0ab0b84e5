package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/arb-engine/internal/metrics"
	"github.com/atmx/arb-engine/internal/model"
)

// Message types pushed to WebSocket clients.
const (
	MsgTradeOpened = "trade_opened"
	MsgTradeClosed = "trade_closed"
	MsgProbability = "probability"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type        string                `json:"type"`
	MatchID     string                `json:"match_id"`
	Trade       *model.Trade          `json:"trade,omitempty"`
	Probability *model.WinProbability `json:"probability,omitempty"`
	FairPrice   string                `json:"fair_price,omitempty"`
	MarketPrice string                `json:"market_price,omitempty"`
	Time        time.Time             `json:"time"`
}

// Hub manages WebSocket connections and fans out trade and probability
// updates to every connected client.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a hub. Call Run to start delivering messages.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws"),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every client. It never blocks; messages
// are dropped when the buffer is full.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// TradeOpened implements trade.Notifier.
func (h *Hub) TradeOpened(t *model.Trade) {
	h.Broadcast(Message{Type: MsgTradeOpened, MatchID: t.MatchID, Trade: t, Time: t.OpenedAt})
}

// TradeClosed implements trade.Notifier.
func (h *Hub) TradeClosed(t *model.Trade) {
	at := time.Now().UTC()
	if t.ClosedAt != nil {
		at = *t.ClosedAt
	}
	h.Broadcast(Message{Type: MsgTradeClosed, MatchID: t.MatchID, Trade: t, Time: at})
}

// ProbabilityUpdated implements supervisor.Notifier.
func (h *Hub) ProbabilityUpdated(matchID string, p model.WinProbability, fair, market decimal.Decimal) {
	h.Broadcast(Message{
		Type:        MsgProbability,
		MatchID:     matchID,
		Probability: &p,
		FairPrice:   fair.Round(4).String(),
		MarketPrice: market.String(),
		Time:        time.Now().UTC(),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // read-only status feed
	},
}

// HandleWS upgrades GET /ws. Clients only receive; anything they send is
// discarded.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep the connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping through proxies. Writes share the hub lock with broadcasts.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			var err error
			h.mu.Lock()
			_, ok := h.clients[conn]
			if ok {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
