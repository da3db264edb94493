package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/config"
	"github.com/arencloud/kbadmin/internal/logging"
	"github.com/arencloud/kbadmin/internal/models"
	"github.com/arencloud/kbadmin/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAndVersion(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp = e.do(http.MethodGet, "/api/version", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "kbadmin", decode[map[string]string](t, resp)["name"])
}

func TestSPAFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>console</html>"), 0o644))
	e := newTestEnv(t, func(c *config.Config) { c.StaticDir = dir })

	resp := e.do(http.MethodGet, "/storage/buckets", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "console")
}

func rootEnv(t *testing.T) *testEnv {
	return newTestEnv(t, func(c *config.Config) {
		c.RootLoginEnabled = true
		c.RootEmail = "root@example.com"
		c.RootPassword = "correct horse"
	})
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	return nil
}

func TestRootLoginMeLogout(t *testing.T) {
	e := rootEnv(t)

	resp := e.do(http.MethodPost, "/api/v1/auth/login", nil, map[string]string{"email": "ROOT@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Nil(t, sessionCookie(resp))

	resp = e.do(http.MethodPost, "/api/v1/auth/login", nil, map[string]string{"email": "ROOT@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "admin", body["role"])
	assert.NotContains(t, body, "password")

	resp = e.do(http.MethodGet, "/api/v1/auth/me", cookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[meResponse](t, resp)
	assert.Equal(t, "root@example.com", me.Email)
	assert.Contains(t, me.EffectivePermissions, "manage_storage")
	assert.NotNil(t, me.LastLoginAt)

	resp = e.do(http.MethodPost, "/api/v1/auth/logout", cookie, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(http.MethodGet, "/api/v1/auth/me", cookie, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	actions, err := e.srv.Audit.Actions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{audit.ActionLogin, audit.ActionLogout}, actions)
}

func TestPasswordLoginDisabled(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodPost, "/api/v1/auth/login", nil, map[string]string{"email": "root@localhost", "password": "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(http.MethodGet, "/api/v1/auth/config", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"rootLoginEnabled": false, "azureEnabled": false}, decode[map[string]bool](t, resp))

	resp = e.do(http.MethodGet, "/api/v1/auth/azure/start", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpsertAzureUser(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	u, err := e.srv.upsertAzureUser(ctx, azureClaims{OID: "oid-1", PreferredUsername: "Jane@Corp.example", Name: "Jane"})
	require.NoError(t, err)
	assert.Equal(t, "jane@corp.example", u.Email)
	assert.Equal(t, "user", u.Role)

	// promoted in the console, then renamed in the directory
	require.NoError(t, e.db.Model(u).Update("role", "leader").Error)
	again, err := e.srv.upsertAzureUser(ctx, azureClaims{OID: "oid-1", Email: "jane.doe@corp.example", Name: "Jane Doe"})
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)
	assert.Equal(t, "jane.doe@corp.example", again.Email)
	assert.Equal(t, "leader", again.Role)
	assert.Equal(t, "Jane Doe", again.DisplayName)

	_, err = e.srv.upsertAzureUser(ctx, azureClaims{OID: "oid-2"})
	assert.Equal(t, http.StatusBadRequest, statusFor(err))
}

func TestUserAdministration(t *testing.T) {
	e := newTestEnv(t)
	admin, adminCookie := e.user("admin@example.com", "admin", "")
	target, targetCookie := e.user("target@example.com", "user", "")

	resp := e.do(http.MethodGet, "/api/v1/users?q=TARGET", adminCookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]models.User](t, resp), 1)

	resp = e.do(http.MethodPut, "/api/v1/users/"+target.ID+"/permissions", adminCookie, map[string]any{"permissions": []string{"view_storage", "view_storage"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// the grant takes effect on the next request
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/buckets", targetCookie, nil).StatusCode)

	resp = e.do(http.MethodPut, "/api/v1/users/"+target.ID+"/permissions", adminCookie, map[string]any{"permissions": `["launch_rockets"]`})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(http.MethodPut, "/api/v1/users/"+target.ID+"/role", targetCookie, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = e.do(http.MethodPut, "/api/v1/users/"+target.ID+"/role", adminCookie, map[string]string{"role": "owner"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(http.MethodPut, "/api/v1/users/"+target.ID+"/role", adminCookie, map[string]string{"role": "Leader"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "leader", decode[models.User](t, resp).Role)
	resp = e.do(http.MethodPut, "/api/v1/users/"+admin.ID+"/role", adminCookie, map[string]string{"role": "user"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(http.MethodDelete, "/api/v1/users/"+admin.ID, adminCookie, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(http.MethodDelete, "/api/v1/users/"+target.ID, adminCookie, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/v1/auth/me", targetCookie, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/api/v1/users/"+target.ID, adminCookie, nil).StatusCode)
}

func TestAuditLogEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, adminCookie := e.user("admin@example.com", "admin", "")
	_, userCookie := e.user("user@example.com", "user", "")
	require.NoError(t, e.srv.Audit.Log(context.Background(), audit.Entry{UserID: "u1", Action: audit.ActionObjectUpload, ResourceType: "object"}))

	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/api/v1/audit-logs", userCookie, nil).StatusCode)

	resp := e.do(http.MethodGet, "/api/v1/audit-logs?action=object.upload&limit=10", adminCookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[audit.Page](t, resp)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 10, page.Limit)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/audit-logs?from=yesterday", adminCookie, nil).StatusCode)

	resp = e.do(http.MethodGet, "/api/v1/audit-logs/actions", adminCookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{audit.ActionObjectUpload}, decode[[]string](t, resp))
}

func TestBroadcastMessages(t *testing.T) {
	e := newTestEnv(t)
	_, adminCookie := e.user("admin@example.com", "admin", "")
	user, userCookie := e.user("user@example.com", "user", "")
	conn := &fakeConn{id: "u-conn"}
	e.hub.Join(user.ID, conn)

	resp := e.do(http.MethodPost, "/api/v1/broadcast-messages", userCookie, map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = e.do(http.MethodPost, "/api/v1/broadcast-messages", adminCookie, map[string]string{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(http.MethodPost, "/api/v1/broadcast-messages", adminCookie, map[string]any{"message": "Maintenance at 18:00", "color": "#ffcc00"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.BroadcastMessage](t, resp)
	assert.True(t, created.IsActive)

	envs := conn.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, EventBroadcastNew, envs[0].Event)

	future := time.Now().Add(48 * time.Hour)
	resp = e.do(http.MethodPost, "/api/v1/broadcast-messages", adminCookie, map[string]any{"message": "later", "startsAt": future})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = e.do(http.MethodGet, "/api/v1/broadcast-messages/active", userCookie, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	active := decode[[]models.BroadcastMessage](t, resp)
	require.Len(t, active, 1)
	assert.Equal(t, created.ID, active[0].ID)

	resp = e.do(http.MethodPut, "/api/v1/broadcast-messages/"+created.ID, adminCookie, map[string]any{"isActive": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(http.MethodGet, "/api/v1/broadcast-messages/active", userCookie, nil)
	assert.Empty(t, decode[[]models.BroadcastMessage](t, resp))

	resp = e.do(http.MethodDelete, "/api/v1/broadcast-messages/"+created.ID, adminCookie, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = e.do(http.MethodDelete, "/api/v1/broadcast-messages/"+created.ID, adminCookie, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotifyIdentification(t *testing.T) {
	e := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/v1/notify/events", nil, nil).StatusCode)

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/api/v1/notify/events?userId=u1", nil)
	req.Header.Set(notifySecretHeader, "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, e.ts.URL+"/api/v1/notify/events", nil)
	req.Header.Set(notifySecretHeader, "service-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotifyStreamWithSession(t *testing.T) {
	e := newTestEnv(t)
	u, cookie := e.user("user@example.com", "user", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/api/v1/notify/events", nil)
	req.AddCookie(cookie)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return e.hub.Count(u.ID) == 1 }, time.Second, 10*time.Millisecond)
	e.hub.EmitToUser(u.ID, "bucket:delete:progress", map[string]any{"status": "completed"})

	rd := bufio.NewReader(resp.Body)
	var events []string
	for len(events) < 2 {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	assert.Equal(t, []string{"connected", "bucket:delete:progress"}, events)
}

func TestLogLevelEndpoints(t *testing.T) {
	e := newTestEnv(t)
	_, cookie := e.user("admin@example.com", "admin", "")
	t.Cleanup(func() { logging.SetLevel("info") })

	resp := e.do(http.MethodPut, "/api/v1/logs/level", cookie, map[string]string{"level": "verbose"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(http.MethodPut, "/api/v1/logs/level", cookie, map[string]string{"level": "DEBUG"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = e.do(http.MethodGet, "/api/v1/logs/level", cookie, nil)
	assert.Equal(t, "debug", decode[map[string]string](t, resp)["level"])
}

func TestClientIP(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9:5555", clientIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
	r.Header.Set("X-Real-Ip", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientIP(r))
}
