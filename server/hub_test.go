package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLoader struct {
	state *RoomState
}

func (l staticLoader) Load(_ context.Context, roomID string) (*RoomState, bool, error) {
	if l.state == nil {
		return nil, false, nil
	}
	return l.state, true, nil
}

func newHubServer(t *testing.T, loader StateLoader) (*Engine, *Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	e, err := NewEngine(Options{
		Categories: slowCategories(),
		Sink:       hub,
		Now:        func() time.Time { return testEpoch },
		NewID:      sequentialIDs(),
	})
	require.NoError(t, err)
	hub.Attach(e, loader)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		e.Close()
		_ = hub.Close()
	})
	return e, hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestHub_SnapshotThenUpdates(t *testing.T) {
	e, hub, url := newHubServer(t, nil)
	ws := dial(t, url+"?room=r1&player=p1")

	snap := readJSON(t, ws)
	assert.Equal(t, "snapshot", snap["type"])
	assert.True(t, e.IsInitialized("r1"))
	assert.Eventually(t, func() bool { return hub.Online("r1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "chat", Chat: &ChatMessage{ID: "m1", Text: "hello"}}))
	require.Eventually(t, func() bool { return len(e.Pending("r1", CatChat)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "p1", e.Pending("r1", CatChat)[0].PlayerID, "sender comes from the connection")

	require.NoError(t, e.ForceSyncAll(context.Background(), "r1"))

	ev := readJSON(t, ws)
	assert.Equal(t, EventStateUpdate, ev["type"])
	assert.Equal(t, "chat", ev["category"])
	data := ev["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "chat_message", data[0].(map[string]any)["type"])
}

func TestHub_ViewportAndTokenMessages(t *testing.T) {
	e, _, url := newHubServer(t, nil)
	ws := dial(t, url+"?room=r1&player=p1")
	readJSON(t, ws)

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "viewport", Viewport: &Viewport{Zoom: 1, Width: 800, Height: 600}}))
	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "token", Token: &TokenMessage{Kind: "token_add", Token: &Token{ID: "t1"}}}))
	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "token", Token: &TokenMessage{Kind: "teleport", TokenID: "t1"}}))

	require.Eventually(t, func() bool {
		_, ok := e.viewports.Get("r1", "p1")
		return ok && len(e.Pending("r1", CatTokens)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		_, ok := e.viewports.Get("r1", "p1")
		return !ok
	}, time.Second, 5*time.Millisecond, "viewport removed on disconnect")
}

func TestHub_RestoresRoomFromLoader(t *testing.T) {
	saved := &RoomState{Combat: CombatState{IsActive: true, Round: 7}}
	e, _, url := newHubServer(t, staticLoader{state: saved})

	ws := dial(t, url+"?room=r9&player=p1")
	readJSON(t, ws)

	v, ok := e.GetCategoryState("r9", CatCombat)
	require.True(t, ok)
	assert.Equal(t, 7, v.(CombatState).Round)
}

func TestHub_RequiresRoomAndPlayer(t *testing.T) {
	_, _, url := newHubServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?room=r1", nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_OfflinePlayerIsNotAnError(t *testing.T) {
	hub := NewHub(nil)
	ev := Event{Type: EventStateUpdate, Category: CatTokens}

	assert.NoError(t, hub.AddEvent("r1", ev, PriorityHigh))
	assert.NoError(t, hub.AddPlayerEvent("r1", "p1", ev, PriorityHigh))
	assert.Equal(t, 0, hub.Online("r1"))
}

func TestClientConn_EnqueueWhenFull(t *testing.T) {
	c := &ClientConn{send: make(chan []byte, 2)}

	require.True(t, c.Enqueue([]byte("a"), PriorityLow))
	require.True(t, c.Enqueue([]byte("b"), PriorityLow))

	assert.False(t, c.Enqueue([]byte("c"), PriorityHigh), "non-critical frames are dropped when full")
	assert.True(t, c.Enqueue([]byte("d"), PriorityCritical), "critical evicts the oldest frame")

	got := []string{string(<-c.send), string(<-c.send)}
	assert.Equal(t, []string{"b", "d"}, got)
}
