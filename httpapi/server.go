// Package httpapi is the HTTP front-end: a thin translation layer from
// chi routes to Manager calls, rendering every response as the JSON
// envelope described by the external interface.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dynplug/dynplug/dynplugerr"
	"github.com/dynplug/dynplug/manager"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// requestID tags every request with a UUID, stamped into the response
// header and into logs, so an operator can correlate a failed HTTP call
// with the plugin error it produced.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// envelope is the JSON shape of every response.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Server wraps a chi router bound to a single shared Manager.
type Server struct {
	router *chi.Mux
	mgr    *manager.Manager
	logger *slog.Logger
}

// New builds the router and mounts every route described by the
// specification's HTTP surface.
func New(mgr *manager.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{router: r, mgr: mgr, logger: logger}

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/plugins", s.handleListPlugins)
		r.Put("/plugins/enable", s.handleEnableMany)
		r.Put("/plugins/disable", s.handleDisableMany)
		r.Route("/plugins/{name}", func(r chi.Router) {
			r.Post("/execute", s.handleExecute)
			r.Put("/enable", s.handleEnable)
			r.Put("/disable", s.handleDisable)
		})
	})

	return s
}

// Router exposes the underlying chi router, e.g. for httptest.
func (s *Server) Router() *chi.Mux { return s.router }

// ListenAndServe starts the HTTP server on addr and blocks until it
// fails. The *http.Server it builds is not exposed, so it offers no
// graceful shutdown; a caller that wants one builds its own http.Server
// around Router(), as the serve command does.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			id, _ := r.Context().Value(requestIDKey).(string)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", id,
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if e, ok := dynplugerr.As(err); ok {
		msg = e.UserMessage()
	}
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// statusForError maps a dynplugerr.Kind to the HTTP status the
// specification assigns it.
func statusForError(err error) int {
	e, ok := dynplugerr.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind() {
	case dynplugerr.KindNotFound:
		return http.StatusNotFound
	case dynplugerr.KindDisabled:
		return http.StatusConflict
	case dynplugerr.KindExecutionFailed, dynplugerr.KindTimeout:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, s.mgr.List())
}

type executeRequestBody struct {
	Input string `json:"input"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body executeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}

	result := s.mgr.Execute(name, body.Input, manager.DefaultExecutionOptions())
	if result.Err != nil {
		writeError(w, statusForError(result.Err), result.Err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

type batchRequestBody struct {
	Names []string `json:"names"`
}

type batchResult struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleEnableMany(w http.ResponseWriter, r *http.Request) {
	s.setEnabledMany(w, r, true)
}

func (s *Server) handleDisableMany(w http.ResponseWriter, r *http.Request) {
	s.setEnabledMany(w, r, false)
}

// setEnabledMany applies enable/disable to a batch of names. One name's
// failure never aborts the rest; the response carries a per-name result
// list instead of a single HTTP status.
func (s *Server) setEnabledMany(w http.ResponseWriter, r *http.Request, enabled bool) {
	var body batchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed request body: %w", err))
		return
	}
	if len(body.Names) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("names must not be empty"))
		return
	}

	var results map[string]error
	if enabled {
		results = s.mgr.EnableMany(body.Names)
	} else {
		results = s.mgr.DisableMany(body.Names)
	}

	out := make([]batchResult, 0, len(body.Names))
	for _, name := range body.Names {
		res := batchResult{Name: name, Success: true}
		if err := results[name]; err != nil {
			res.Success = false
			if e, ok := dynplugerr.As(err); ok {
				res.Error = e.UserMessage()
			} else {
				res.Error = err.Error()
			}
		}
		out = append(out, res)
	}
	writeSuccess(w, http.StatusOK, out)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")

	var err error
	if enabled {
		err = s.mgr.Enable(name)
	} else {
		err = s.mgr.Disable(name)
	}
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	info, err := s.mgr.Get(name)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeSuccess(w, http.StatusOK, info)
}
