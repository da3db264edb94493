package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/arencloud/kbadmin/internal/audit"
)

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, invalid("invalid date " + strconv.Quote(v))
	}
	return t, nil
}

func (s *Server) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		UserID:       q.Get("userId"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resourceType"),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		s.respondError(w, r, err)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		s.respondError(w, r, err)
		return
	}
	if v := q.Get("to"); len(v) == len(time.DateOnly) {
		// a bare date includes the whole day
		f.To = f.To.Add(24*time.Hour - time.Nanosecond)
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	page, err := s.Audit.List(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) auditActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.Audit.Actions(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}
