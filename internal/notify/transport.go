package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sseBuffer    = 64
	heartbeat    = 25 * time.Second
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
)

type sseConn struct {
	id string
	ch chan Envelope
}

func (c *sseConn) ID() string { return c.id }

// Send never blocks; a client that stopped reading loses events.
func (c *sseConn) Send(e Envelope) error {
	select {
	case c.ch <- e:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// ServeSSE streams the events of userID as Server-Sent Events until the client goes away.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, userID string) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	conn := &sseConn{id: uuid.NewString(), ch: make(chan Envelope, sseBuffer)}
	write := func(e Envelope) {
		b, err := json.Marshal(e.Data)
		if err != nil {
			h.logger.Error("encoding notification", "event", e.Event, "error", err)
			return
		}
		w.Write([]byte("event: " + e.Event + "\ndata: "))
		w.Write(b)
		w.Write([]byte("\n\n"))
		fl.Flush()
	}
	write(Envelope{Event: "connected", Data: map[string]any{"connectionId": conn.id, "userId": userID}})

	h.Join(userID, conn)
	defer h.Leave(userID, conn)

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-conn.ch:
			write(e)
		case <-ticker.C:
			w.Write([]byte(": ping\n\n"))
			fl.Flush()
		}
	}
}

type wsConn struct {
	id string
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(e Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(e)
}

// NewUpgrader accepts any origin when allowed is empty or contains "*".
func NewUpgrader(allowed []string) websocket.Upgrader {
	set := map[string]struct{}{}
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	_, wildcard := set["*"]
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if wildcard || len(set) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := set[origin]
			return ok
		},
	}
}

// ServeWS upgrades the request and attaches the socket to userID's room.
// Client messages are read and discarded; reading only detects disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, up websocket.Upgrader, userID string) {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{id: uuid.NewString(), ws: ws}
	defer ws.Close()
	if err := conn.Send(Envelope{Event: "connected", Data: map[string]any{"connectionId": conn.id, "userId": userID}}); err != nil {
		return
	}
	h.Join(userID, conn)
	defer h.Leave(userID, conn)

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
