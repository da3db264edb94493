package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arencloud/kbadmin/internal/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id   string
	mu   sync.Mutex
	got  []Envelope
	fail bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(e Envelope) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, e)
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, e := range c.got {
		out[i] = e.Event
	}
	return out
}

func TestEmitWithoutConnectionsIsNoop(t *testing.T) {
	h := NewHub(logging.Nop(), nil)
	h.EmitToUser("nobody", "bucket:delete:progress", map[string]any{"status": "analyzing"})
	assert.Equal(t, 0, h.Rooms())
}

func TestRoomsAreRemovedWhenEmpty(t *testing.T) {
	h := NewHub(logging.Nop(), nil)
	a, b := &fakeConn{id: "a"}, &fakeConn{id: "b"}
	h.Join("u1", a)
	h.Join("u1", b)
	assert.Equal(t, 2, h.Count("u1"))
	assert.Equal(t, 1, h.Rooms())

	h.Leave("u1", a)
	assert.Equal(t, 1, h.Count("u1"))
	h.Leave("u1", a) // unknown connection
	h.Leave("u1", b)
	assert.Equal(t, 0, h.Count("u1"))
	assert.Equal(t, 0, h.Rooms())
}

func TestEmitReachesOnlyTheUsersConnections(t *testing.T) {
	h := NewHub(logging.Nop(), nil)
	a1, a2, b := &fakeConn{id: "a1"}, &fakeConn{id: "a2"}, &fakeConn{id: "b"}
	broken := &fakeConn{id: "x", fail: true}
	h.Join("alice", a1)
	h.Join("alice", a2)
	h.Join("alice", broken)
	h.Join("bob", b)

	h.EmitToUser("alice", "one", 1)
	h.EmitToUser("alice", "two", 2)

	assert.Equal(t, []string{"one", "two"}, a1.events())
	assert.Equal(t, []string{"one", "two"}, a2.events())
	assert.Empty(t, b.events())

	h.Broadcast("all", nil)
	assert.Equal(t, []string{"all"}, b.events())
	assert.Equal(t, []string{"one", "two", "all"}, a1.events())
}

func TestSSEStream(t *testing.T) {
	h := NewHub(logging.Nop(), nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeSSE(w, r, "u1")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, _ := readEvent()
	assert.Equal(t, "connected", name)
	require.Eventually(t, func() bool { return h.Count("u1") == 1 }, time.Second, 10*time.Millisecond)

	h.EmitToUser("u1", "bucket:delete:progress", map[string]any{"bucketName": "docs", "current": 3})
	name, data := readEvent()
	assert.Equal(t, "bucket:delete:progress", name)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "docs", payload["bucketName"])
	assert.Equal(t, 3.0, payload["current"])

	cancel()
	assert.Eventually(t, func() bool { return h.Count("u1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebSocketStream(t *testing.T) {
	h := NewHub(logging.Nop(), nil)
	up := NewUpgrader([]string{"*"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, up, "u2")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "connected", env.Event)
	require.Eventually(t, func() bool { return h.Count("u2") == 1 }, time.Second, 10*time.Millisecond)

	h.EmitToUser("u2", "broadcast:new", map[string]any{"message": "maintenance"})
	require.NoError(t, ws.ReadJSON(&env))
	assert.Equal(t, "broadcast:new", env.Event)

	ws.Close()
	assert.Eventually(t, func() bool { return h.Count("u2") == 0 }, time.Second, 10*time.Millisecond)
}

func TestUpgraderOrigins(t *testing.T) {
	up := NewUpgrader([]string{"https://console.example"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, up.CheckOrigin(r))
	r.Header.Set("Origin", "https://console.example")
	assert.True(t, up.CheckOrigin(r))
}
