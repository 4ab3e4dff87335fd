// Package exchange — WebSocket hub streaming private execution reports.
package exchange

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crossledger/exchange-engine/internal/engine"
	"github.com/crossledger/exchange-engine/internal/metrics"
)

const pingInterval = 30 * time.Second

// WSHub manages WebSocket connections and delivers each committed fill to
// the clients subscribed as the filled order's account. It implements
// engine.Reporter.
//
// The Run goroutine owns the client map and is the only writer on any
// connection, so deliveries and pings never interleave.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn → account subscription
	reports    chan engine.ExecutionReport
	register   chan wsClient
	unregister chan *websocket.Conn
}

type wsClient struct {
	conn    *websocket.Conn
	account string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		reports:    make(chan engine.ExecutionReport, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case c := <-h.register:
			h.clients[c.conn] = c.account
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("ws client connected", "account_id", c.account, "total", len(h.clients))

		case conn := <-h.unregister:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))

		case rep := <-h.reports:
			data, err := json.Marshal(rep)
			if err != nil {
				continue
			}
			for conn, account := range h.clients {
				if account != rep.AccountID {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}

		case <-ping.C:
			// Keep connections alive through proxies.
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
		}
	}
}

// Report queues an execution report for delivery. It drops the report when
// the buffer is full rather than stalling the matching goroutine.
func (h *WSHub) Report(r engine.ExecutionReport) {
	select {
	case h.reports <- r:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws?account_id=...
// Each connection subscribes to exactly one account's execution reports.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account_id")
	if account == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- wsClient{conn: conn, account: account}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
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
}
