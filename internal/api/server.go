// Package api is the HTTP surface of the admin console.
package api

import (
	"context"
	"io"

	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/buckets"
	"github.com/arencloud/kbadmin/internal/config"
	"github.com/arencloud/kbadmin/internal/logging"
	"github.com/arencloud/kbadmin/internal/metrics"
	"github.com/arencloud/kbadmin/internal/notify"
	"github.com/arencloud/kbadmin/internal/s3"
	"github.com/arencloud/kbadmin/internal/session"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

// ObjectStore is everything the handlers ask of the object store.
type ObjectStore interface {
	buckets.ObjectStore
	ListBuckets(ctx context.Context) ([]s3.BucketInfo, error)
	BucketExists(ctx context.Context, name string) (bool, error)
	MakeBucket(ctx context.Context, name string) error
	RemoveObject(ctx context.Context, bucket, key string) error
	Upload(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (s3.Object, error)
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

type Deps struct {
	Config   *config.Config
	Logger   logging.Logger
	DB       *gorm.DB
	Store    ObjectStore
	Buckets  *buckets.Repository
	Deleter  *buckets.Deleter
	Audit    *audit.Service
	Hub      *notify.Hub
	Sessions *session.Store
	Metrics  *metrics.Metrics
	// OIDC is nil when Azure AD is not configured.
	OIDC *OIDC
}

type Server struct {
	Deps
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	return &Server{Deps: d, upgrader: notify.NewUpgrader(d.Config.CORSOrigins)}
}

// audit records e and only logs when the write fails.
func (s *Server) audit(ctx context.Context, e audit.Entry) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Log(ctx, e); err != nil {
		s.Logger.Warn("audit write failed", "action", e.Action, "error", err)
	}
}
