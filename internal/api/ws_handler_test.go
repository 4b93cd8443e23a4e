package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "github.com/mailtide/mailtide/internal/websocket"
)

func wsURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + query
}

func TestWSHandler(t *testing.T) {
	t.Run("rejects a request without account_id", func(t *testing.T) {
		hub := ws.NewHub(10)
		server := httptest.NewServer(NewWSHandler(hub))
		defer server.Close()

		resp, err := http.Get(server.URL)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("subscriber receives hub broadcasts", func(t *testing.T) {
		hub := ws.NewHub(10)
		server := httptest.NewServer(NewWSHandler(hub))
		defer server.Close()

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?account_id=acc1"), nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		require.Eventually(t, func() bool {
			return hub.ActiveConnections("acc1") == 1
		}, time.Second, 10*time.Millisecond)

		hub.Send("acc1", []byte(`{"type":"new_mail","accountId":"acc1","count":2}`))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(payload), `"new_mail"`)
	})

	t.Run("broadcasts do not cross accounts", func(t *testing.T) {
		hub := ws.NewHub(10)
		server := httptest.NewServer(NewWSHandler(hub))
		defer server.Close()

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?account_id=acc2"), nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		require.Eventually(t, func() bool {
			return hub.ActiveConnections("acc2") == 1
		}, time.Second, 10*time.Millisecond)

		hub.Send("other-account", []byte(`{"type":"new_mail"}`))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err, "no message should arrive for a different account")
	})

	t.Run("closing the socket unregisters the subscriber", func(t *testing.T) {
		hub := ws.NewHub(10)
		server := httptest.NewServer(NewWSHandler(hub))
		defer server.Close()

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?account_id=acc3"), nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return hub.ActiveConnections("acc3") == 1
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Close())

		assert.Eventually(t, func() bool {
			return hub.ActiveConnections("acc3") == 0
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("enforces the per-account connection limit", func(t *testing.T) {
		hub := ws.NewHub(1)
		server := httptest.NewServer(NewWSHandler(hub))
		defer server.Close()

		first, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?account_id=acc4"), nil)
		require.NoError(t, err)
		defer func() { _ = first.Close() }()

		require.Eventually(t, func() bool {
			return hub.ActiveConnections("acc4") == 1
		}, time.Second, 10*time.Millisecond)

		second, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?account_id=acc4"), nil)
		require.NoError(t, err)
		defer func() { _ = second.Close() }()

		// The hub closes the excess connection instead of registering it.
		require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
		_, _, err = second.ReadMessage()
		assert.Error(t, err)
		assert.Equal(t, 1, hub.ActiveConnections("acc4"))
	})
}
