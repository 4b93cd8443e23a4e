package websocket

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client wraps a WebSocket connection.
type Client struct {
	conn *websocket.Conn
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// Hub fans engine events out to UI subscribers, keyed by account. An
// account may have several subscribers (e.g. multiple windows).
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{} // accountID -> set of clients
	maxPerAccount int
}

// NewHub creates a new Hub with a per-account connection limit.
func NewHub(maxPerAccount int) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		maxPerAccount: maxPerAccount,
	}
}

// Register adds a subscriber for the given account. If the per-account
// limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.clients[accountID]
	if !ok {
		subscribers = make(map[*Client]struct{})
		h.clients[accountID] = subscribers
	}

	if len(subscribers) >= h.maxPerAccount {
		log.Printf("websocket: account %s exceeded max connections (%d), closing new connection", accountID, h.maxPerAccount)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Time{},
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	subscribers[client] = struct{}{}
	return client
}

// Unregister removes a subscriber for the given account and closes the
// connection.
func (h *Hub) Unregister(accountID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers, ok := h.clients[accountID]
	if !ok {
		_ = client.conn.Close()
		return
	}

	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, accountID)
	}

	_ = client.conn.Close()
}

// Send broadcasts a message to every subscriber of the account.
func (h *Hub) Send(accountID string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subscribers := h.clients[accountID]
	for client := range subscribers {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("websocket: failed to write message for account %s: %v", accountID, err)
			go h.Unregister(accountID, client)
		}
	}
}

// ActiveConnections returns the number of subscribers for an account.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}
