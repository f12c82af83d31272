// Package httpapi is the transport-facing layer: it validates requests,
// translates the registry/dispatcher error taxonomy into status codes, and
// serves the video feeds. All session state lives below it.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/emucast/backend/internal/adb"
	"github.com/emucast/backend/internal/config"
	"github.com/emucast/backend/internal/dispatch"
	"github.com/emucast/backend/internal/emulator"
	"github.com/emucast/backend/internal/metrics"
	"github.com/emucast/backend/internal/registry"
	"github.com/emucast/backend/internal/stream"
)

type Server struct {
	cfg        config.ServerConfig
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	mux        *stream.Multiplexer
	tools      adb.Tools
	log        *logrus.Entry

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(cfg config.ServerConfig, reg *registry.Registry, disp *dispatch.Dispatcher, mux *stream.Multiplexer, tools adb.Tools, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		cfg:            cfg,
		registry:       reg,
		dispatcher:     disp,
		mux:            mux,
		tools:          tools,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Routes builds the router. Health and metrics bypass auth; everything else
// goes through the token check when one is configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Post("/start_emulator", s.handleStart)
		r.Post("/start_and_open", s.handleStartAndOpen)
		r.Post("/open_chrome", s.handleAction("open_chrome", "Chrome opened"))
		r.Post("/open_dialer", s.handleAction("open_dialer", "Dialer opened"))

		r.Get("/video_feed/{serial}", s.handleVideoFeed)
		r.Get("/ws/feed/{serial}", s.handleWSFeed)

		r.Get("/api/sessions", s.handleSessions)
		r.Get("/api/sessions/{serial}", s.handleSessionGet)
		r.Delete("/api/sessions/{serial}", s.handleSessionDelete)
	})

	return r
}

type startRequest struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

type startAndOpenRequest struct {
	Name       string `json:"name"`
	Port       int    `json:"port"`
	OpenChrome bool   `json:"open_chrome"`
	OpenDialer bool   `json:"open_dialer"`
}

type cmdRequest struct {
	Serial string `json:"serial"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	sess, err := s.registry.GetOrCreate(r.Context(), req.Name, req.Port)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"message":  fmt.Sprintf("AVD %q started and booted on port %d", req.Name, sess.Port()),
		"serial":   sess.Serial(),
		"feed_url": s.feedURL(r, sess.Serial()),
	})
}

func (s *Server) handleStartAndOpen(w http.ResponseWriter, r *http.Request) {
	var req startAndOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	sess, err := s.registry.GetOrCreate(r.Context(), req.Name, req.Port)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if req.OpenChrome {
		if err := s.dispatcher.Execute(r.Context(), sess.Serial(), "open_chrome"); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if req.OpenDialer {
		if err := s.dispatcher.Execute(r.Context(), sess.Serial(), "open_dialer"); err != nil {
			s.writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"serial":   sess.Serial(),
		"feed_url": s.feedURL(r, sess.Serial()),
		"chrome":   req.OpenChrome,
		"dialer":   req.OpenDialer,
	})
}

func (s *Server) handleAction(action, ack string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cmdRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
		if err := s.dispatcher.Execute(r.Context(), req.Serial, action); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": ack})
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "serial"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), chi.URLParam(r, "serial")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"adb":      s.tools.ADB != "",
		"emulator": s.tools.Emulator != "",
		"sessions": len(s.registry.List()),
	})
}

func (s *Server) feedURL(r *http.Request, serial string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/video_feed/%s", scheme, r.Host, serial)
}

// writeError maps the error taxonomy to status codes. Environment failures
// keep their diagnostic detail but always carry a typed kind alongside it.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= 500 {
		s.log.WithError(err).Error("request failed")
	}
	writeJSONError(w, status, kind, err.Error())
}

func classify(err error) (int, string) {
	var launchErr *emulator.LaunchError
	var exitErr *emulator.AbnormalExitError
	switch {
	case errors.Is(err, registry.ErrInvalidPort):
		return http.StatusBadRequest, "invalid_port"
	case errors.Is(err, registry.ErrPortConflict):
		return http.StatusBadRequest, "port_conflict"
	case errors.Is(err, dispatch.ErrUnknownAction):
		return http.StatusBadRequest, "unknown_action"
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, dispatch.ErrNotReady):
		return http.StatusConflict, "session_not_ready"
	case errors.Is(err, registry.ErrSessionStopping):
		return http.StatusConflict, "session_stopping"
	case errors.Is(err, registry.ErrTooManySessions):
		return http.StatusTooManyRequests, "session_limit"
	case errors.Is(err, emulator.ErrReadyTimeout):
		return http.StatusGatewayTimeout, "readiness_timeout"
	case errors.As(err, &exitErr):
		return http.StatusInternalServerError, "abnormal_exit"
	case errors.As(err, &launchErr):
		return http.StatusInternalServerError, "launch_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, map[string]string{
		"status": "error",
		"kind":   kind,
		"detail": detail,
	})
}
