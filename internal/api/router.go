package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/arencloud/kbadmin/internal/rbac"
	"github.com/arencloud/kbadmin/internal/version"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

type statusRecorder struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (sr *statusRecorder) WriteHeader(statusCode int) {
	sr.code = statusCode
	sr.ResponseWriter.WriteHeader(statusCode)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Flush and Hijack keep the SSE and WebSocket transports working behind the recorder.
func (sr *statusRecorder) Flush() {
	if fl, ok := sr.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	sr.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

type requestInfo struct {
	id   string
	user string
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestKey).(*requestInfo)
	return info
}

func requestIDFrom(ctx context.Context) string {
	if info := requestInfoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

// accessLog emits one http_request entry per request and feeds the request metrics.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{id: r.Header.Get("X-Request-Id")}
		if info.id == "" {
			info.id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", info.id)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		r = r.WithContext(context.WithValue(r.Context(), requestKey, info))
		next.ServeHTTP(rec, r)

		d := time.Since(start)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.Metrics.ObserveRequest(r.Method, route, rec.code, d)
		s.Logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"durationMs", float64(d)/1e6,
			"user", info.user,
			"ip", clientIP(r),
			"requestId", info.id,
			"bytesOut", rec.bytes,
		)
	})
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))
	r.Use(s.accessLog)
	r.Use(s.loadPrincipal)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	r.Handle("/metrics", s.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"name": version.Name, "version": version.Version})
		})
		r.Route("/v1", s.registerAPI)
	})

	if s.Config.StaticDir != "" {
		r.Handle("/*", spaHandler(s.Config.StaticDir))
	}
	return r
}

func (s *Server) registerAPI(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.login)
		r.Get("/config", s.authConfig)
		r.Get("/azure/start", s.azureStart)
		r.Get("/azure/callback", s.azureCallback)
		r.With(s.RequireAuth).Get("/me", s.me)
		r.With(s.RequireAuth).Post("/logout", s.logout)
	})

	// the push transports authenticate themselves
	r.Get("/notify/events", s.notifyEvents)
	r.Get("/notify/ws", s.notifyWS)

	r.Group(func(pr chi.Router) {
		pr.Use(s.RequireAuth)

		pr.Route("/buckets", func(r chi.Router) {
			view := s.RequirePermission(rbac.PermViewStorage)
			manage := s.RequirePermission(rbac.PermManageStorage)
			r.With(view).Get("/", s.listBuckets)
			r.With(manage).Get("/available", s.availableBuckets)
			r.With(manage).Post("/", s.createBucket)
			r.With(manage).Put("/{bucketId}", s.updateBucket)
			// no id in the path reaches bucketFor and answers 400
			r.With(manage).Delete("/", s.deleteBucket)
			r.With(manage).Delete("/{bucketId}", s.deleteBucket)
			r.With(view).Get("/{bucketId}/objects", s.listObjects)
			r.With(view).Get("/{bucketId}/download", s.downloadObject)
			r.With(manage).Post("/{bucketId}/upload", s.uploadObject)
			r.With(manage).Delete("/{bucketId}/objects", s.deleteObject)
		})

		pr.Route("/users", func(r chi.Router) {
			own := s.RequireOwnership(URLParamOwner("userId"), true)
			admin := s.RequireRole(rbac.AdminRoles...)
			r.With(s.RequirePermission(rbac.PermManageUsers)).Get("/", s.listUsers)
			r.With(own).Get("/{userId}", s.getUser)
			r.With(own).Put("/{userId}/profile", s.updateProfile)
			r.With(s.RequirePermission(rbac.PermManageUsers)).Put("/{userId}/permissions", s.updatePermissions)
			r.With(admin).Put("/{userId}/role", s.updateRole)
			r.With(admin).Delete("/{userId}", s.deleteUser)
		})

		pr.Route("/audit-logs", func(r chi.Router) {
			r.Use(s.RequirePermission(rbac.PermViewAuditLog))
			r.Get("/", s.listAuditLogs)
			r.Get("/actions", s.auditActions)
		})

		pr.Route("/broadcast-messages", func(r chi.Router) {
			r.Get("/active", s.activeBroadcasts)
			r.Group(func(r chi.Router) {
				r.Use(s.RequirePermission(rbac.PermManageBroadcast))
				r.Get("/", s.listBroadcasts)
				r.Post("/", s.createBroadcast)
				r.Put("/{id}", s.updateBroadcast)
				r.Delete("/{id}", s.deleteBroadcast)
			})
		})

		pr.Route("/logs", func(r chi.Router) {
			r.Use(s.RequireRole(rbac.RoleAdmin))
			r.Get("/level", s.getLogLevel)
			r.Put("/level", s.setLogLevel)
		})
	})
}

type spa struct {
	dir  string
	next http.Handler
}

func spaHandler(dir string) http.Handler {
	return &spa{dir: dir, next: http.FileServer(http.Dir(dir))}
}

// ServeHTTP serves existing files and falls back to index.html for client-side routes.
func (s *spa) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := filepath.Join(s.dir, filepath.Clean("/"+r.URL.Path))
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		s.next.ServeHTTP(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.dir, "index.html"))
}
