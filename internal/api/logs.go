package api

import (
	"net/http"
	"strings"

	"github.com/arencloud/kbadmin/internal/logging"
)

func (s *Server) getLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"level": logging.GetLevel()})
}

func (s *Server) setLogLevel(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Level string `json:"level"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	switch lvl := strings.ToLower(strings.TrimSpace(in.Level)); lvl {
	case "debug", "info", "warn", "error":
		logging.SetLevel(lvl)
	default:
		s.respondError(w, r, invalid("level must be one of debug, info, warn, error"))
		return
	}
	s.Logger.Info("log level changed", "level", logging.GetLevel(), "userId", PrincipalFrom(r.Context()).ID)
	writeJSON(w, http.StatusOK, map[string]string{"level": logging.GetLevel()})
}
