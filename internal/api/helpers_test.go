package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/buckets"
	"github.com/arencloud/kbadmin/internal/config"
	"github.com/arencloud/kbadmin/internal/db"
	"github.com/arencloud/kbadmin/internal/lock"
	"github.com/arencloud/kbadmin/internal/logging"
	"github.com/arencloud/kbadmin/internal/models"
	"github.com/arencloud/kbadmin/internal/notify"
	"github.com/arencloud/kbadmin/internal/s3"
	"github.com/arencloud/kbadmin/internal/session"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

// memStore is an in-memory object store.
type memStore struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
	listErr error
}

func newMemStore() *memStore {
	return &memStore{buckets: map[string]map[string][]byte{}}
}

func (m *memStore) put(bucket string, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buckets[bucket] == nil {
		m.buckets[bucket] = map[string][]byte{}
	}
	for _, k := range keys {
		m.buckets[bucket][k] = []byte(k)
	}
}

func (m *memStore) has(bucket string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.buckets[bucket]
	return ok
}

func noSuchBucket(name string) error {
	return errors.New("NoSuchBucket: The specified bucket does not exist: " + name)
}

func (m *memStore) ListBuckets(context.Context) ([]s3.BucketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []s3.BucketInfo{}
	for name := range m.buckets {
		out = append(out, s3.BucketInfo{Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) BucketExists(_ context.Context, name string) (bool, error) {
	return m.has(name), nil
}

func (m *memStore) MakeBucket(_ context.Context, name string) error {
	m.put(name)
	return nil
}

func (m *memStore) RemoveBucket(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.buckets[name]
	if !ok {
		return noSuchBucket(name)
	}
	if len(objs) > 0 {
		return errors.New("BucketNotEmpty")
	}
	delete(m.buckets, name)
	return nil
}

func (m *memStore) ListObjects(_ context.Context, bucket, prefix string, _ bool) ([]s3.Object, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.buckets[bucket]
	if !ok {
		return nil, noSuchBucket(bucket)
	}
	var out []s3.Object
	for k, v := range objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, s3.Object{Name: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) RemoveObjects(_ context.Context, bucket string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		delete(m.buckets[bucket], n)
	}
	return nil
}

func (m *memStore) RemoveObject(_ context.Context, bucket, key string) error {
	return m.RemoveObjects(context.Background(), bucket, []string{key})
}

func (m *memStore) Upload(_ context.Context, bucket, key string, r io.Reader, _ int64, ct string) (s3.Object, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return s3.Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.buckets[bucket]
	if !ok {
		return s3.Object{}, noSuchBucket(bucket)
	}
	objs[key] = b
	return s3.Object{Name: key, Size: int64(len(b)), ContentType: ct, LastModified: time.Now()}, nil
}

func (m *memStore) Download(_ context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket][key]
	if !ok {
		return nil, 0, errors.New("NoSuchKey: The specified key does not exist.")
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

type testEnv struct {
	t        *testing.T
	srv      *Server
	ts       *httptest.Server
	db       *gorm.DB
	store    *memStore
	hub      *notify.Hub
	locker   *lock.Memory
	sessions *session.Store
	logs     *observer.ObservedLogs
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Env:             "test",
		DBDriver:        "sqlite",
		DBPath:          filepath.Join(t.TempDir(), "api.db"),
		SessionSecret:   "test-secret",
		SessionTTL:      time.Hour,
		DeleteBatchSize: 100,
		MaxUploadBytes:  1 << 20,
		CORSOrigins:     []string{"*"},
		NotifySecret:    "service-secret",
	}
	for _, f := range mutate {
		f(cfg)
	}
	gdb, err := db.Open(cfg, logging.Nop())
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	logger := logging.NewWithCore(core)
	store := newMemStore()
	hub := notify.NewHub(logger, nil)
	locker := lock.NewMemory()
	repo := buckets.NewRepository(gdb)
	auditSvc := audit.NewService(gdb)
	sessions := session.NewStore(cfg.SessionSecret, cfg.SessionTTL, false)

	srv := NewServer(Deps{
		Config:  cfg,
		Logger:  logger,
		DB:      gdb,
		Store:   store,
		Buckets: repo,
		Deleter: &buckets.Deleter{
			Store: store, Meta: repo, Notifier: hub, Audit: auditSvc,
			Locker: locker, BatchSize: cfg.DeleteBatchSize, Logger: logger,
		},
		Audit:    auditSvc,
		Hub:      hub,
		Sessions: sessions,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{t: t, srv: srv, ts: ts, db: gdb, store: store, hub: hub, locker: locker, sessions: sessions, logs: logs}
}

// user creates an account and returns it with a valid session cookie.
func (e *testEnv) user(email, role string, perms string) (*models.User, *http.Cookie) {
	e.t.Helper()
	u := models.User{Email: email, Role: role}
	require.NoError(e.t, e.db.Create(&u).Error)
	if perms != "" {
		require.NoError(e.t, e.db.Exec("UPDATE users SET permissions = ? WHERE id = ?", perms, u.ID).Error)
	}
	rec := httptest.NewRecorder()
	e.sessions.Create(rec, u.ID)
	return &u, rec.Result().Cookies()[0]
}

func (e *testEnv) do(method, path string, cookie *http.Cookie, body any) *http.Response {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) bucket(name string, keys ...string) *models.Bucket {
	e.t.Helper()
	e.store.put(name, keys...)
	b := &models.Bucket{BucketName: name, DisplayName: name}
	require.NoError(e.t, e.db.Create(b).Error)
	return b
}

// fakeConn records events pushed by the hub.
type fakeConn struct {
	id  string
	mu  sync.Mutex
	got []notify.Envelope
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env notify.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	return nil
}

func (c *fakeConn) envelopes() []notify.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Envelope(nil), c.got...)
}
