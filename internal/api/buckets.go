package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/arencloud/kbadmin/internal/audit"
	"github.com/arencloud/kbadmin/internal/buckets"
	"github.com/arencloud/kbadmin/internal/models"
	"github.com/arencloud/kbadmin/internal/rbac"
	"github.com/arencloud/kbadmin/internal/s3"

	"github.com/go-chi/chi/v5"
)

func actorFrom(r *http.Request) buckets.Actor {
	p := PrincipalFrom(r.Context())
	return buckets.Actor{UserID: p.ID, Email: p.Email, IP: clientIP(r)}
}

func (s *Server) bucketFor(r *http.Request) (*models.Bucket, error) {
	id := chi.URLParam(r, "bucketId")
	if id == "" {
		return nil, rbac.ErrBadRequest
	}
	return s.Buckets.Get(r.Context(), id)
}

func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	items, err := s.Buckets.List(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) availableBuckets(w http.ResponseWriter, r *http.Request) {
	infos, err := s.Store.ListBuckets(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out, err := s.Buckets.Unregistered(r.Context(), infos)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// createBucket registers an existing object-store bucket, creating it first when absent.
func (s *Server) createBucket(w http.ResponseWriter, r *http.Request) {
	var in struct {
		BucketName  string `json:"bucketName"`
		DisplayName string `json:"displayName"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	in.BucketName = strings.TrimSpace(in.BucketName)
	if err := buckets.ValidateName(in.BucketName); err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx := r.Context()
	exists, err := s.Store.BucketExists(ctx, in.BucketName)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !exists {
		if err := s.Store.MakeBucket(ctx, in.BucketName); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	p := PrincipalFrom(ctx)
	b := &models.Bucket{
		BucketName:  in.BucketName,
		DisplayName: firstNonEmpty(strings.TrimSpace(in.DisplayName), in.BucketName),
		Description: in.Description,
		CreatedBy:   p.ID,
		UpdatedBy:   p.ID,
	}
	if err := s.Buckets.Create(ctx, b); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(ctx, audit.Entry{
		UserID: p.ID, UserEmail: p.Email, Action: audit.ActionBucketCreate,
		ResourceType: "bucket", ResourceID: b.BucketName, IPAddress: clientIP(r),
		Details: map[string]any{"created": !exists},
	})
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) updateBucket(w http.ResponseWriter, r *http.Request) {
	var in buckets.Update
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	p := PrincipalFrom(r.Context())
	b, err := s.Buckets.Update(r.Context(), chi.URLParam(r, "bucketId"), in, p.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.audit(r.Context(), audit.Entry{
		UserID: p.ID, UserEmail: p.Email, Action: audit.ActionBucketUpdate,
		ResourceType: "bucket", ResourceID: b.BucketName, IPAddress: clientIP(r),
	})
	writeJSON(w, http.StatusOK, b)
}

// deleteBucket runs the deletion to completion even if the client goes away.
func (s *Server) deleteBucket(w http.ResponseWriter, r *http.Request) {
	b, err := s.bucketFor(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	if err := s.Deleter.Delete(ctx, actorFrom(r), b.BucketName); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	b, err := s.bucketFor(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	items, err := s.Store.ListObjects(r.Context(), b.BucketName, q.Get("prefix"), q.Get("recursive") == "true")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if items == nil {
		items = []s3.Object{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) uploadObject(w http.ResponseWriter, r *http.Request) {
	b, err := s.bucketFor(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.Config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Config.MaxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, r, invalid("expecting multipart form-data"))
		return
	}
	var (
		key      string
		uploaded *s3.Object
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.respondError(w, r, bodyError(err))
			return
		}
		switch part.FormName() {
		case "key":
			v, err := io.ReadAll(io.LimitReader(part, 1024))
			if err != nil {
				s.respondError(w, r, bodyError(err))
				return
			}
			key = strings.TrimSpace(string(v))
		case "file":
			if key == "" {
				key = path.Base(part.FileName())
			}
			if key == "" || key == "." || key == "/" {
				s.respondError(w, r, invalid("object key is required"))
				return
			}
			// size is unknown while streaming; minio accepts -1
			obj, err := s.Store.Upload(r.Context(), b.BucketName, key, part, -1, part.Header.Get("Content-Type"))
			if err != nil {
				s.respondError(w, r, bodyError(err))
				return
			}
			uploaded = &obj
		}
	}
	if uploaded == nil {
		s.respondError(w, r, invalid("no file provided"))
		return
	}
	p := PrincipalFrom(r.Context())
	s.audit(r.Context(), audit.Entry{
		UserID: p.ID, UserEmail: p.Email, Action: audit.ActionObjectUpload,
		ResourceType: "object", ResourceID: b.BucketName + "/" + uploaded.Name, IPAddress: clientIP(r),
		Details: map[string]any{"size": uploaded.Size},
	})
	writeJSON(w, http.StatusCreated, uploaded)
}

// bodyError turns a truncated multipart body into a 400. Oversized bodies keep
// their *http.MaxBytesError and map to 413.
func bodyError(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return invalid("malformed multipart body")
	}
	return err
}

func (s *Server) downloadObject(w http.ResponseWriter, r *http.Request) {
	b, err := s.bucketFor(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		s.respondError(w, r, invalid("key is required"))
		return
	}
	rc, size, err := s.Store.Download(r.Context(), b.BucketName, key)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(path.Base(key), `"`, "")+`"`)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.Logger.Debug("download interrupted", "bucket", b.BucketName, "key", key, "error", err)
	}
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	b, err := s.bucketFor(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		s.respondError(w, r, invalid("key is required"))
		return
	}
	if err := s.Store.RemoveObject(r.Context(), b.BucketName, key); err != nil {
		s.respondError(w, r, err)
		return
	}
	p := PrincipalFrom(r.Context())
	s.audit(r.Context(), audit.Entry{
		UserID: p.ID, UserEmail: p.Email, Action: audit.ActionObjectDelete,
		ResourceType: "object", ResourceID: b.BucketName + "/" + key, IPAddress: clientIP(r),
	})
	w.WriteHeader(http.StatusNoContent)
}
