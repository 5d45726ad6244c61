package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/cache"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/config"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/poller"
)

// Controller is the polling lifecycle the API drives
type Controller interface {
	Start(target string) (poller.StartOutcome, error)
	Stop()
	Restart(ctx context.Context) error
	SetTarget(target string) (bool, error)
	PollNow(ctx context.Context, force bool) (models.CycleResult, error)
	Sweep(ctx context.Context) (int64, error)
	Status() poller.Status
	Target() string
}

// CacheAdmin exposes cache inspection and reset
type CacheAdmin interface {
	Stats(ctx context.Context, target string) (*models.CacheStats, error)
	Clear(ctx context.Context, target string) error
}

// Server handles HTTP requests
type Server struct {
	config  config.ServerConfig
	polling Controller
	cache   CacheAdmin
	logger  *log.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg config.ServerConfig, polling Controller, c CacheAdmin, logger *log.Logger) *Server {
	s := &Server{
		config:  cfg,
		polling: polling,
		cache:   c,
		logger:  logger,
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute, // manual polls wait for the whole cycle
	}

	return s
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/polling", func(r chi.Router) {
		r.Get("/config", s.handlePollingConfig)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/restart", s.handleRestart)
	})

	r.Post("/target", s.handleSetTarget)
	r.Get("/poll-now", s.handlePollNow)
	r.Post("/poll-now", s.handlePollNow)

	r.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Delete("/", s.handleCacheClear)
		r.Post("/sweep", s.handleSweep)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type targetRequest struct {
	Target string `json:"target"`
}

// decodeTarget reads an optional {"target": "..."} body
func decodeTarget(r *http.Request) (string, error) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	return req.Target, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"polling": s.polling.Status().State,
	})
}

type statusResponse struct {
	Success bool `json:"success"`
	poller.Status
	IntervalText string `json:"current_interval_text"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.polling.Status()
	writeJSON(w, http.StatusOK, statusResponse{
		Success:      true,
		Status:       st,
		IntervalText: st.CurrentInterval.String(),
	})
}

func (s *Server) handlePollingConfig(w http.ResponseWriter, r *http.Request) {
	st := s.polling.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"target":           st.Target,
		"running":          st.Running,
		"timer_pending":    st.TimerPending,
		"activity_level":   st.ActivityLevel,
		"current_interval": st.CurrentInterval.String(),
		"next_poll_at":     st.NextPollAt,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	target, err := decodeTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if target == "" {
		target = s.polling.Target()
	}

	outcome, err := s.polling.Start(target)
	if errors.Is(err, poller.ErrNoTarget) {
		writeError(w, http.StatusBadRequest, "no target set, send {\"target\": \"...\"} or set one first")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"outcome": outcome,
		"target":  target,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.polling.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "polling stopped",
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	err := s.polling.Restart(r.Context())
	if errors.Is(err, poller.ErrNoTarget) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "polling restarted",
		"target":  s.polling.Target(),
	})
}

func (s *Server) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := decodeTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switched, err := s.polling.SetTarget(target)
	if errors.Is(err, poller.ErrNoTarget) {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"target":   target,
		"switched": switched,
	})
}

func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be true or false")
			return
		}
		force = parsed
	}

	result, err := s.polling.PollNow(r.Context(), force)
	if errors.Is(err, poller.ErrNoTarget) {
		writeError(w, http.StatusBadRequest, "no target set, please set a target first")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"target":  result.Target,
		"force":   force,
		"result":  result,
	})
}

// cacheTarget picks the ?target= query value or the current polling target
func (s *Server) cacheTarget(r *http.Request) string {
	if t := r.URL.Query().Get("target"); t != "" {
		return t
	}
	return s.polling.Target()
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	target := s.cacheTarget(r)
	if target == "" {
		writeError(w, http.StatusBadRequest, "no target set")
		return
	}

	stats, err := s.cache.Stats(r.Context(), target)
	if err != nil {
		writeCacheError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	target := s.cacheTarget(r)
	if target == "" {
		writeError(w, http.StatusBadRequest, "no target set")
		return
	}

	if err := s.cache.Clear(r.Context(), target); err != nil {
		writeCacheError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("cache cleared for @%s", target),
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	removed, err := s.polling.Sweep(r.Context())
	if err != nil {
		writeCacheError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"removed": removed,
	})
}

func writeCacheError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, cache.ErrCacheUnavailable) {
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
