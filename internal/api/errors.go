package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/arencloud/kbadmin/internal/buckets"
	"github.com/arencloud/kbadmin/internal/rbac"
	"github.com/arencloud/kbadmin/internal/s3"

	"gorm.io/gorm"
)

var (
	errNotFound = errors.New("not found")
	errInvalid  = errors.New("invalid request")
)

// invalid wraps msg so statusFor maps it to 400.
func invalid(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return errInvalid }

func statusFor(err error) int {
	var (
		mbe *http.MaxBytesError
		se  *buckets.StoreError
	)
	switch {
	case errors.Is(err, rbac.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, rbac.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, rbac.ErrBadRequest), errors.Is(err, errInvalid), errors.Is(err, buckets.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound), errors.Is(err, buckets.ErrBucketNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, buckets.ErrDeletionInProgress), errors.Is(err, buckets.ErrBucketExists):
		return http.StatusConflict
	case errors.As(err, &se):
		return http.StatusInternalServerError
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case s3.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// respondError writes {"error": ...} with the status mapped from err.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "requestId", requestIDFrom(r.Context()), "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("invalid JSON body: " + err.Error())
	}
	return nil
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
