// Package web serves the admin surface: health, metrics and service state.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/slotwatch/internal/auth"
	"github.com/example/slotwatch/internal/engine"
)

type Scheduler interface {
	Snapshots() []engine.Snapshot
	TriggerReset() int
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Scheduler Scheduler
	Store     Pinger
	Metrics   http.Handler
	// Guard protects the mutating endpoints; nil leaves them open.
	Guard *auth.Guard
	Log   *zap.Logger
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)

	admin := api.PathPrefix("").Subrouter()
	if s.Guard != nil {
		admin.Use(s.Guard.Require)
	}
	admin.HandleFunc("/reset-scan", s.handleResetScan).Methods(http.MethodPost)

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		s.Log.Warn("readiness check failed", zap.Error(err))
		http.Error(w, "state store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.Scheduler.Snapshots()})
}

func (s *Server) handleResetScan(w http.ResponseWriter, r *http.Request) {
	n := s.Scheduler.TriggerReset()
	s.Log.Info("reset scan requested", zap.Int("queued", n))
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// Start serves h on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("admin server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
