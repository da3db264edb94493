// Package notify pushes named events to the live connections of a user.
// Delivery is best effort: nothing is queued for absent users and nothing is
// retried.
package notify

import (
	"errors"
	"sync"

	"github.com/arencloud/kbadmin/internal/logging"
	"github.com/arencloud/kbadmin/internal/metrics"
)

// Envelope is what a client receives.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type Conn interface {
	ID() string
	Send(Envelope) error
}

// Notifier is the narrow interface producers depend on.
type Notifier interface {
	EmitToUser(userID, event string, payload any)
}

var ErrSlowConsumer = errors.New("connection buffer full")

// Hub keeps one room per user id. Rooms are created on first join and removed
// when their last connection leaves.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Conn
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewHub(logger logging.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		rooms:   map[string]map[string]Conn{},
		logger:  logger.With("component", "notify"),
		metrics: m,
	}
}

func (h *Hub) Join(userID string, c Conn) {
	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		room = map[string]Conn{}
		h.rooms[userID] = room
	}
	room[c.ID()] = c
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
	h.logger.Debug("connection joined", "userId", userID, "connId", c.ID())
}

func (h *Hub) Leave(userID string, c Conn) {
	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, present := room[c.ID()]; !present {
		h.mu.Unlock()
		return
	}
	delete(room, c.ID())
	if len(room) == 0 {
		delete(h.rooms, userID)
	}
	h.mu.Unlock()
	h.metrics.ConnectionClosed()
	h.logger.Debug("connection left", "userId", userID, "connId", c.ID())
}

// EmitToUser sends to every connection of userID; a user without connections is a no-op.
func (h *Hub) EmitToUser(userID, event string, payload any) {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.rooms[userID]))
	for _, c := range h.rooms[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	h.send(conns, Envelope{Event: event, Data: payload})
}

// Broadcast sends to every open connection.
func (h *Hub) Broadcast(event string, payload any) {
	h.mu.RLock()
	var conns []Conn
	for _, room := range h.rooms {
		for _, c := range room {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	h.send(conns, Envelope{Event: event, Data: payload})
}

func (h *Hub) send(conns []Conn, env Envelope) {
	h.metrics.Notified(env.Event, len(conns) > 0)
	for _, c := range conns {
		if err := c.Send(env); err != nil {
			h.logger.Debug("notification dropped", "connId", c.ID(), "event", env.Event, "error", err)
		}
	}
}

// Count returns the number of open connections of userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Rooms returns the number of users with at least one connection.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
