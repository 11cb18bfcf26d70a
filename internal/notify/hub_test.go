package notify

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-notify/internal/models"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHubSubscribeAndPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Room: JobRoom("j1")}))

	ack := readEnvelope(t, conn)
	assert.Equal(t, EnvelopeSubscribed, ack.Type)
	assert.Equal(t, JobRoom("j1"), ack.Room)

	hub.Publish(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "generating", 40, ""))

	env := readEnvelope(t, conn)
	require.Equal(t, EnvelopeJobEvent, env.Type)
	require.NotNil(t, env.Event)
	assert.Equal(t, "j1", env.Event.JobID)
	assert.Equal(t, 40, env.Event.Progress)
}

func TestHubPublishRoutesByRoom(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	alice := dialHub(t, srv)
	bob := dialHub(t, srv)

	require.NoError(t, alice.WriteJSON(Command{Action: ActionSubscribe, Room: OwnerRoom("alice")}))
	require.NoError(t, bob.WriteJSON(Command{Action: ActionSubscribe, Room: OwnerRoom("bob")}))
	readEnvelope(t, alice)
	readEnvelope(t, bob)

	hub.Publish(OwnerRoom("alice"), models.NewQueuedEvent("j1", "alice"))

	env := readEnvelope(t, alice)
	assert.Equal(t, "j1", env.Event.JobID)

	// Bob gets nothing for alice's room.
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var stray Envelope
	assert.Error(t, bob.ReadJSON(&stray))
}

func TestHubSubscribeIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Room: JobRoom("j1")}))
	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Room: JobRoom("j1")}))
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	hub.Publish(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "extracting", 20, ""))

	// Double subscribe still means single delivery.
	env := readEnvelope(t, conn)
	assert.Equal(t, 20, env.Event.Progress)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var dup Envelope
	assert.Error(t, conn.ReadJSON(&dup))
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Room: JobRoom("j1")}))
	readEnvelope(t, conn)
	require.NoError(t, conn.WriteJSON(Command{Action: ActionUnsubscribe, Room: JobRoom("j1")}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, EnvelopeUnsubscribed, ack.Type)

	hub.Publish(JobRoom("j1"), models.NewProgressEvent("j1", "alice", "extracting", 20, ""))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var stray Envelope
	assert.Error(t, conn.ReadJSON(&stray))
}

func TestHubPing(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.NoError(t, conn.WriteJSON(Command{Action: ActionPing}))
	env := readEnvelope(t, conn)
	assert.Equal(t, EnvelopePong, env.Type)
}

func TestHubCleansUpOnDisconnect(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Room: JobRoom("j1")}))
	readEnvelope(t, conn)

	assert.Equal(t, 1, hub.SessionCount())
	assert.Equal(t, 1, hub.RoomCount())

	require.NoError(t, conn.Close())

	waitFor(t, func() bool { return hub.SessionCount() == 0 }, "session never dropped")
	assert.Equal(t, 0, hub.RoomCount())

	// Publishing into the now-empty room is harmless.
	hub.Publish(JobRoom("j1"), models.NewQueuedEvent("j1", "alice"))
}
