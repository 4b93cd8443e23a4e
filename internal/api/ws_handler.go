package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	ws "github.com/mailtide/mailtide/internal/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Desktop client connects from a local origin; no cross-site concern.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades HTTP requests to WebSocket subscriptions on the hub.
type WSHandler struct {
	hub *ws.Hub
}

// NewWSHandler creates a WebSocket handler backed by the given hub.
func NewWSHandler(hub *ws.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// ServeHTTP subscribes the caller to new-mail events for one account.
// The account is selected with the account_id query parameter.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket: upgrade failed: %v", err)
		return
	}

	client := h.hub.Register(accountID, conn)
	if client == nil {
		return
	}
	defer h.hub.Unregister(accountID, client)

	// Drain reads so control frames are processed; the subscription is
	// one-way and any text from the client is ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
