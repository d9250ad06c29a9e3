package pool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arvindmahta/derivrt-go/eventbus"
	"github.com/arvindmahta/derivrt-go/transport"
)

func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			_ = json.Unmarshal(raw, &req)
			resp, _ := json.Marshal(map[string]any{"ping": "pong", "req_id": req["req_id"]})
			_ = conn.WriteMessage(websocket.TextMessage, resp)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCreateConnectionAssignsMonotonicIDs(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	defer bus.Close()
	p := New(bus, zerolog.Nop())

	wsURL := echoServer(t)

	id1, err := p.CreateConnection(transport.WithEndpoint(wsURL, "1", "EN", ""), transport.WithAutoReconnect(false))
	require.NoError(t, err)
	id2, err := p.CreateConnection(transport.WithEndpoint(wsURL, "1", "EN", ""), transport.WithAutoReconnect(false))
	require.NoError(t, err)

	require.Equal(t, 0, id1)
	require.Equal(t, 1, id2)
	require.Equal(t, 2, p.Len())
}

func TestCloseConnectionMissingReturnsConnectionError(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	defer bus.Close()
	p := New(bus, zerolog.Nop())

	err := p.CloseConnection(99)
	require.Error(t, err)
}

func TestConnectAllAndDisconnectAll(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	defer bus.Close()
	p := New(bus, zerolog.Nop())

	wsURL := echoServer(t)
	id, err := p.CreateConnection(transport.WithEndpoint(wsURL, "1", "EN", ""), transport.WithAutoReconnect(false))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := p.ConnectAll(ctx)
	require.True(t, results[id])

	tr, ok := p.Get(id)
	require.True(t, ok)
	require.True(t, tr.IsOpen())

	p.DisconnectAll(ctx)
	require.False(t, tr.IsOpen())
}
