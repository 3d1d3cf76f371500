// Package api 提供 HTTP 介面：任務提交與查詢、CSV 匯出、健康檢查與 Prometheus 指標
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/pulmoscan/internal/engine"
	"github.com/ChuLiYu/pulmoscan/internal/export"
	"github.com/ChuLiYu/pulmoscan/internal/jobmanager"
	"github.com/ChuLiYu/pulmoscan/pkg/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	maxBodySize       = 1 << 20 // 1 MB
)

// Backend 是 HTTP 層需要的 engine 操作
type Backend interface {
	Submit(ctx context.Context, refs []string, opts ...engine.SubmitOption) (types.JobID, error)
	Get(ctx context.Context, id types.JobID) (types.JobSnapshot, error)
	Cancel(id types.JobID) (types.JobSnapshot, error)
	Export(ctx context.Context, id types.JobID, w io.Writer) error
	Stats() engine.Stats
}

// Server wraps the chi router and its backend.
type Server struct {
	router  *chi.Mux
	backend Backend
	metrics http.Handler
	logger  *slog.Logger
	http    *http.Server
}

// NewServer 建立路由；metrics 為 nil 時不提供 /metrics
func NewServer(backend Backend, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  chi.NewRouter(),
		backend: backend,
		metrics: metrics,
		logger:  logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.routes()

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}
	s.router.Get("/v1/stats", s.handleStats)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/export", s.handleExport)
	})
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Serve 在 lis 上提供服務，直到 Shutdown
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("http server listening", "addr", lis.Addr().String())
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

type submitRequest struct {
	Refs      []string `json:"refs"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

type submitResponse struct {
	JobID types.JobID `json:"job_id"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.backend.Stats().Running {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "stopped"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.backend.Stats())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must be >= 0")
		return
	}

	var opts []engine.SubmitOption
	if req.TimeoutMS > 0 {
		opts = append(opts, engine.WithJobTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}
	id, err := s.backend.Submit(r.Context(), req.Refs, opts...)
	if err != nil {
		s.writeEngineError(w, "submit job", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{JobID: id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.backend.Get(r.Context(), types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeEngineError(w, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.backend.Cancel(types.JobID(chi.URLParam(r, "id")))
	if err != nil {
		s.writeEngineError(w, "cancel job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))

	// 先寫進緩衝區，錯誤時才能回傳正確的狀態碼
	var buf bytes.Buffer
	if err := s.backend.Export(r.Context(), id, &buf); err != nil {
		s.writeEngineError(w, "export job", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", string(id)+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// ============================================================================
// Helpers
// ============================================================================

// statusFor 把 engine 錯誤對應到 HTTP 狀態碼
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobmanager.ErrEmptyJob):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, jobmanager.ErrJobTerminal), errors.Is(err, export.ErrNotTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, code, "failed to "+op)
		return
	}
	s.writeError(w, code, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
