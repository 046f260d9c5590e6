package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_PublishRespectsOwnerFilter(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := httptest.NewServer(hub)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	all := dial(t, wsURL)
	owner2 := dial(t, wsURL+"?owner=owner-2")

	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, 10*time.Millisecond)

	task := &models.AutomationTask{ID: "task-1", OwnerID: "owner-1", Status: models.TaskCompleted,
		Result: &models.ResultSummary{Success: true, Summary: "Ordered 1 cable"}}
	hub.Publish(NewTaskEvent(TaskFinished, task))
	hub.Publish(NewTaskEvent(TaskProgress, &models.AutomationTask{ID: "task-2", OwnerID: "owner-2", Status: models.TaskCheckout}))

	var got Event
	_ = all.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, TaskFinished, got.Type)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, "Ordered 1 cable", got.Message)

	_ = owner2.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, owner2.ReadJSON(&got))
	assert.Equal(t, "task-2", got.TaskID)
	assert.Equal(t, "owner-2", got.OwnerID)
}

func TestHub_DropsClosedSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	server := httptest.NewServer(hub)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_PublishDoesNotWaitForSlowClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	stalled := newSubscriber(nil, "")
	hub.subscribers[stalled] = true

	task := &models.AutomationTask{ID: "task-1", OwnerID: "owner-1", Status: models.TaskSearching}
	start := time.Now()
	for range sendBuffer + 1 {
		hub.Publish(NewTaskEvent(TaskProgress, task))
	}
	assert.Less(t, time.Since(start), time.Second)

	assert.Len(t, stalled.send, sendBuffer)
	select {
	case <-stalled.done:
	default:
		t.Fatal("stalled client was not disconnected")
	}
}
