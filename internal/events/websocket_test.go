package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

func newTestHub(t *testing.T) (*WSHub, *Bus, *httptest.Server) {
	t.Helper()
	bus := NewBus(common.NewSilentLogger())
	hub := NewWSHub(bus, common.NewSilentLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, bus, srv
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func TestWSHubRelaysBusEvents(t *testing.T) {
	hub, bus, srv := newTestHub(t)
	conn := dialWS(t, srv, "")
	waitForClients(t, hub, 1)

	bus.Publish(models.Event{Topic: models.TopicQueue, Type: models.EventJobQueued})

	ev := readEvent(t, conn)
	if ev.Topic != models.TopicQueue || ev.Type != models.EventJobQueued {
		t.Errorf("got event %s/%s", ev.Topic, ev.Type)
	}
	if ev.Timestamp.IsZero() {
		t.Error("relayed event has zero timestamp")
	}
}

func TestWSHubTopicQueryFilter(t *testing.T) {
	hub, bus, srv := newTestHub(t)
	conn := dialWS(t, srv, "?topics=downloads")
	waitForClients(t, hub, 1)

	bus.Publish(models.Event{Topic: models.TopicQueue, Type: models.EventJobQueued})
	bus.Publish(models.Event{Topic: models.TopicDownloads, Type: models.EventDownloadState})

	// Only the downloads event should arrive.
	ev := readEvent(t, conn)
	if ev.Topic != models.TopicDownloads {
		t.Errorf("topic = %s, want downloads", ev.Topic)
	}
}

func TestWSHubSubscribeFrame(t *testing.T) {
	hub, bus, srv := newTestHub(t)
	conn := dialWS(t, srv, "")
	waitForClients(t, hub, 1)

	if err := conn.WriteJSON(map[string][]string{"subscribe": {"models"}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	// Give the readPump a moment to apply the frame.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(models.Event{Topic: models.TopicQueue, Type: models.EventJobQueued})
	bus.Publish(models.Event{Topic: models.TopicModels, Type: models.EventModelState})

	ev := readEvent(t, conn)
	if ev.Topic != models.TopicModels {
		t.Errorf("topic = %s, want models", ev.Topic)
	}
}

func TestWSHubClientDisconnect(t *testing.T) {
	hub, _, srv := newTestHub(t)
	conn := dialWS(t, srv, "")
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}
