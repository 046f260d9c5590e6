// Package events broadcasts task state changes to websocket subscribers.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Event types
const (
	TaskSubmitted = "task_submitted"
	TaskProgress  = "task_progress"
	TaskFinished  = "task_finished"
)

// Event is one task state change
type Event struct {
	Type    string            `json:"type"`
	OwnerID string            `json:"ownerId"`
	TaskID  string            `json:"taskId"`
	Status  models.TaskStatus `json:"status"`
	Message string            `json:"message,omitempty"`
	At      time.Time         `json:"at"`
}

// NewTaskEvent builds an event from the task's current state
func NewTaskEvent(eventType string, task *models.AutomationTask) Event {
	e := Event{
		Type:    eventType,
		OwnerID: task.OwnerID,
		TaskID:  task.ID,
		Status:  task.Status,
		Message: task.ErrorMessage,
		At:      time.Now().UTC(),
	}
	if task.Result != nil && task.Result.Summary != "" {
		e.Message = task.Result.Summary
	}
	return e
}

// Publisher receives events as side effects of task changes
type Publisher interface {
	Publish(e Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(Event) {}

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// subscriber owns one connection. Only writeLoop writes to conn, so a slow
// client never blocks Publish.
type subscriber struct {
	conn  *websocket.Conn
	owner string
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(conn *websocket.Conn, owner string) *subscriber {
	return &subscriber{
		conn:  conn,
		owner: owner,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
}

// enqueue reports false when the client's buffer is full
func (s *subscriber) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) writeLoop() {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// Hub fans events out to connected websocket clients
type Hub struct {
	subscribers map[*subscriber]bool
	mu          sync.RWMutex
	logger      zerolog.Logger
}

var _ Publisher = (*Hub)(nil)

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// ServeHTTP upgrades the request and streams events until the client
// leaves. An owner query parameter limits the stream to that owner.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	sub := newSubscriber(conn, r.URL.Query().Get("owner"))
	go sub.writeLoop()
	h.mu.Lock()
	h.subscribers[sub] = true
	count := len(h.subscribers)
	h.mu.Unlock()
	h.logger.Debug().Int("subscribers", count).Msg("WebSocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		count := len(h.subscribers)
		h.mu.Unlock()
		sub.close()
		conn.Close()
		h.logger.Debug().Int("subscribers", count).Msg("WebSocket client disconnected")
	}()

	// Reads only detect the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// Publish queues e for every subscriber whose filter matches. A client
// whose queue is full is disconnected.
func (h *Hub) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		if sub.owner == "" || sub.owner == e.OwnerID {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.enqueue(data) {
			h.logger.Warn().Str("event", e.Type).Str("owner_id", sub.owner).Msg("Event client too slow, disconnecting")
			sub.close()
		}
	}
}

// Subscribers returns the number of connected clients
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
