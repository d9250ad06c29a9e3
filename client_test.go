package derivrt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer echoes req_id on every response and answers ping with pong
// tagged msg_type "ping", so ping responses exercise both the fingerprint
// and message-type cache index.
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
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}

			resp := map[string]any{"req_id": req["req_id"], "echo_req": req}
			if req["ping"] != nil {
				resp["msg_type"] = "ping"
				resp["ping"] = "pong"
			}

			encoded, _ := json.Marshal(resp)
			_ = conn.WriteMessage(websocket.TextMessage, encoded)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		tr, ok := c.pool.Get(c.defaultConnID)
		return ok && tr.IsOpen()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPingRoundTripPopulatesCache(t *testing.T) {
	wsURL := echoServer(t)
	c, err := NewClient(WithEndpoint(wsURL, "1", "EN", ""), WithAutoReconnect(false))
	require.NoError(t, err)
	defer c.Clear(context.Background())

	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Send(ctx, map[string]any{"ping": 1})
	require.NoError(t, err)
	require.Equal(t, "pong", resp["ping"])

	cached, ok := c.cache.Get(context.Background(), map[string]any{"ping": 1})
	require.True(t, ok)
	require.Equal(t, "pong", cached["ping"])

	byType, ok := c.cache.GetByMessageType(context.Background(), "ping")
	require.True(t, ok)
	require.Equal(t, "pong", byType["ping"])
}

func TestSendWillBeCalledShortCircuits(t *testing.T) {
	wsURL := echoServer(t)
	c, err := NewClient(
		WithEndpoint(wsURL, "1", "EN", ""),
		WithAutoReconnect(false),
		WithSendWillBeCalled(func(request map[string]any) (map[string]any, bool) {
			if request["ping"] != nil {
				return map[string]any{"ping": "intercepted"}, true
			}
			return nil, false
		}),
	)
	require.NoError(t, err)
	defer c.Clear(context.Background())

	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Send(ctx, map[string]any{"ping": 1})
	require.NoError(t, err)
	require.Equal(t, "intercepted", resp["ping"])

	_, ok := c.cache.Get(context.Background(), map[string]any{"ping": 1})
	require.False(t, ok, "short-circuited send must not hit the network or the cache")
}

func TestSendIsCalledReplacesResponse(t *testing.T) {
	wsURL := echoServer(t)
	c, err := NewClient(
		WithEndpoint(wsURL, "1", "EN", ""),
		WithAutoReconnect(false),
		WithSendIsCalled(func(request, response map[string]any) (map[string]any, bool) {
			response["decorated"] = true
			return response, true
		}),
	)
	require.NoError(t, err)
	defer c.Clear(context.Background())

	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Send(ctx, map[string]any{"ping": 1})
	require.NoError(t, err)
	require.Equal(t, "pong", resp["ping"])
	require.Equal(t, true, resp["decorated"])
}

func TestExpectResponseResolvesFromLiveTraffic(t *testing.T) {
	wsURL := echoServer(t)
	c, err := NewClient(WithEndpoint(wsURL, "1", "EN", ""), WithAutoReconnect(false))
	require.NoError(t, err)
	defer c.Clear(context.Background())

	waitConnected(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan map[string]any, 1)
	go func() {
		resp, err := c.ExpectResponse(ctx, "ping")
		require.NoError(t, err)
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = c.Send(ctx, map[string]any{"ping": 1})
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.Equal(t, "pong", resp["ping"])
	case <-time.After(2 * time.Second):
		t.Fatal("ExpectResponse never resolved")
	}
}

func TestClearCancelsConnectDefaultTask(t *testing.T) {
	wsURL := echoServer(t)
	c, err := NewClient(WithEndpoint(wsURL, "1", "EN", ""), WithAutoReconnect(false))
	require.NoError(t, err)

	waitConnected(t, c)
	c.Clear(context.Background())

	c.tasksMu.Lock()
	n := len(c.tasks)
	c.tasksMu.Unlock()
	require.Equal(t, 0, n)

	tr, ok := c.pool.Get(c.defaultConnID)
	require.True(t, ok)
	require.False(t, tr.IsOpen())
}

func TestAddedTaskErrorSurfacesOnErrorsChannel(t *testing.T) {
	c, err := NewClient(WithEndpoint("127.0.0.1:0", "1", "EN", ""), WithAutoReconnect(false))
	require.NoError(t, err)
	defer c.Clear(context.Background())

	select {
	case err := <-c.Errors():
		var taskErr *AddedTaskError
		require.ErrorAs(t, err, &taskErr)
	case <-time.After(2 * time.Second):
		t.Fatal("expected connect_default failure to surface as an AddedTaskError")
	}
}
