// Package server exposes the HTTP hand-off point: observables posted here
// enter the same queue the feeds fill. It also serves health and metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-intel/common/httputil"
	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/common/middleware"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

// DefaultMaxBodyBytes bounds a submission body when Config leaves it unset.
const DefaultMaxBodyBytes = 10 << 20

// DefaultCheckTimeout bounds each health check.
const DefaultCheckTimeout = 3 * time.Second

// Sink accepts submitted observables.
type Sink interface {
	Submit(ctx context.Context, o *observable.Observable) error
}

// Check is a named health probe. A nil error is healthy.
type Check func(ctx context.Context) error

// Config configures the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
	CheckTimeout time.Duration
}

// Server is the HTTP front of the intel service.
type Server struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]Check

	srv *http.Server
}

// New creates a server submitting into sink.
func New(cfg Config, sink Sink, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	s := &Server{
		cfg:    cfg,
		sink:   sink,
		logger: logging.OrDefault(logger),
		checks: make(map[string]Check),
	}
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// AddCheck registers a health probe reported by /healthz.
func (s *Server) AddCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/observables", s.handleSubmit)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(s.logger),
		middleware.Recover(s.logger),
	)
}

// ListenAndServe serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("intel API listening", slog.String("addr", s.cfg.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// SubmitResponse is the reply of a successful submission.
type SubmitResponse struct {
	Accepted int      `json:"accepted"`
	IDs      []string `json:"ids"`
}

// handleSubmit takes one JSON object or an array of them. Every entry is
// validated before any is queued, so a bad entry rejects the whole request.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	raws, err := splitBody(body)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch := make([]*observable.Observable, 0, len(raws))
	var details []string
	for i, raw := range raws {
		o, err := observable.Decode(raw)
		if err != nil {
			details = append(details, fmt.Sprintf("%d: %v", i, err))
			continue
		}
		if o.Type == "" {
			details = append(details, fmt.Sprintf("%d: cannot determine otype of %q", i, o.Value))
			continue
		}
		batch = append(batch, o)
	}
	if len(details) > 0 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid observables", details...)
		return
	}

	resp := SubmitResponse{IDs: make([]string, 0, len(batch))}
	for _, o := range batch {
		if err := s.sink.Submit(r.Context(), o); err != nil {
			s.logger.Warn("submission refused", logging.ObservableID(o.ID), logging.Error(err))
			w.Header().Set("Retry-After", "5")
			httputil.WriteJSON(w, http.StatusServiceUnavailable, struct {
				SubmitResponse
				Error string `json:"error"`
			}{resp, "queue unavailable"})
			return
		}
		resp.Accepted++
		resp.IDs = append(resp.IDs, o.ID)
	}
	httputil.WriteJSON(w, http.StatusAccepted, resp)
}

func splitBody(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty request body")
	}
	if body[0] != '[' {
		return []json.RawMessage{body}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	if len(raws) == 0 {
		return nil, errors.New("empty observable list")
	}
	return raws, nil
}

// HealthResponse reports every registered check.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checks := maps.Clone(s.checks)
	s.mu.RUnlock()

	resp := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(checks))}
	for _, name := range slices.Sorted(maps.Keys(checks)) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CheckTimeout)
		err := checks[name](ctx)
		cancel()
		if err != nil {
			resp.Status = "unhealthy"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}
