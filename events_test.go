package main

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

func dialEvents(t *testing.T, serverURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u := "ws" + strings.TrimPrefix(serverURL, "http") + "/api/events"

	return websocket.DefaultDialer.Dial(u, header)
}

func TestHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub([]string{"http://localhost:3000"})
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", hub.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := dialEvents(t, srv.URL, http.Header{"Origin": {"http://localhost:3000"}})
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(Event{Type: EventVoteCast, PhotoID: 3, UserID: 1, Username: "alice"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventVoteCast, ev.Type)
	assert.EqualValues(t, 3, ev.PhotoID)
	assert.Equal(t, "alice", ev.Username)
	assert.False(t, ev.Timestamp.IsZero())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"http://localhost:3000"})

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPIServer_EventsFeed(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser(t, "alice", RoleUser)

	conn, _, err := dialEvents(t, env.server.URL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	photo := env.uploadPhotos(t, token, env.firstSection(t).ID, "a.png")[0]

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventPhotoUploaded, ev.Type)
	assert.Equal(t, photo.ID, ev.PhotoID)
	assert.Equal(t, "alice", ev.Username)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(hub.broadcast)+10; i++ {
			hub.Publish(Event{Type: EventVoteCast})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
}
