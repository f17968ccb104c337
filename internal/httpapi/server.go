// Package httpapi exposes the poller status over a small HTTP API.
//
// Endpoints:
//
//	GET /state      200 + status when healthy, 503 + status otherwise
//	GET /state/raw  200 + full status, always
//	GET /history    recent accepted readings (requires storage)
//	GET /healthz    process liveness
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"meterwatch/internal/poller"
	"meterwatch/internal/store"
	"meterwatch/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Deps struct {
	Status func() poller.Status
	Store  store.Store // nil when storage is disabled
	Log    logx.Logger
}

const (
	defaultAddr         = ":8080"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/state", handleState(deps))
	r.Get("/state/raw", handleStateRaw(deps))
	r.Get("/history", handleHistory(deps))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

func handleState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := deps.Status()
		if !st.Healthy {
			respondJSON(w, http.StatusServiceUnavailable, st)
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

func handleStateRaw(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, deps.Status())
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Store == nil {
			httpError(w, http.StatusNotImplemented, "storage disabled")
			return
		}
		limit := defaultHistoryLimit
		if q := r.URL.Query().Get("limit"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		if limit > maxHistoryLimit {
			limit = maxHistoryLimit
		}

		entries, err := deps.Store.RecentReadings(r.Context(), limit)
		if err != nil {
			deps.Log.Warn("history query failed", logx.Err(err))
			httpError(w, http.StatusInternalServerError, "history query failed")
			return
		}
		if entries == nil {
			entries = []store.HistoryEntry{}
		}
		respondJSON(w, http.StatusOK, entries)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// Server wraps http.Server with ctx-driven shutdown.
type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	deps.Log = log
	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(deps),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log.With(logx.String("comp", "http")),
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	s.log.Info("http stopped")
	return err
}
