package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"fieldsync/internal/domain/event"
	"fieldsync/internal/domain/record"
)

func dialEvents(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
		conn.Close()
	})
	return conn
}

// publishUntil publishes until the connection's subscription is registered
// and one event reaches conn.
func publishUntil(t *testing.T, n *event.Notifier, conn *websocket.Conn, topic event.Topic, payload any) map[string]any {
	t.Helper()

	got := make(chan map[string]any, 1)
	go func() {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-got:
			return msg
		case <-tick.C:
			n.Publish(topic, payload)
		case <-deadline:
			t.Fatal("no event received")
			return nil
		}
	}
}

func TestEventBridge_StreamsEvents(t *testing.T) {
	n := event.NewNotifier(slog.Default(), 8)
	srv := httptest.NewServer(NewEventBridge(n, slog.Default()).Router())
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	msg := publishUntil(t, n, conn, event.TopicRecordSaved, event.RecordEvent{
		Type:     record.EntityEODReport,
		LocalID:  7,
		RemoteID: "srv-7",
	})

	assert.Equal(t, "record.saved", msg["topic"])
	payload, ok := msg["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "eod_report", payload["type"])
	assert.Equal(t, float64(7), payload["local_id"])
}

func TestEventBridge_TopicFilter(t *testing.T) {
	n := event.NewNotifier(slog.Default(), 8)
	srv := httptest.NewServer(NewEventBridge(n, slog.Default()).Router())
	defer srv.Close()

	conn := dialEvents(t, srv, "?topics=auth.required")

	// Wait for the subscription before publishing the filtered topic.
	first := publishUntil(t, n, conn, event.TopicAuthRequired, event.AuthEvent{Reason: "expired"})
	assert.Equal(t, "auth.required", first["topic"])

	n.Publish(event.TopicRecordSaved, nil)
	n.Publish(event.TopicAuthRequired, event.AuthEvent{Reason: "again"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "auth.required", msg["topic"])
		if msg["payload"].(map[string]any)["reason"] == "again" {
			break
		}
	}
}

func TestEventBridge_RejectsForeignOrigin(t *testing.T) {
	n := event.NewNotifier(slog.Default(), 8)
	srv := httptest.NewServer(NewEventBridge(n, slog.Default()).Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
