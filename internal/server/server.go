// Package server exposes a gflake.Client over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Lzww0608/gflake"
	"github.com/Lzww0608/gflake/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// MaxBatch is the largest count accepted by GET /v1/ids.
const MaxBatch = int(gflake.SequenceCapacity)

// Options configures the HTTP handler.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// RateLimit is the number of requests per second allowed per client IP.
	// Zero disables limiting.
	RateLimit int
}

// Server serves the ID API.
type Server struct {
	client  *gflake.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	router  chi.Router
}

// New builds the router.
func New(client *gflake.Client, opts Options) *Server {
	s := &Server{
		client:  client,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(httprate.Limit(opts.RateLimit, time.Second,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
				}),
			))
		}
		r.Get("/ids", s.handleNextIDs)
		r.Get("/ids/{id}", s.handleDecode)
		r.Get("/ids/{id}/timestamp", s.handleTimestamp)
		r.Get("/issued", s.handleIssued)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.client.Live() {
		respondWithError(w, http.StatusServiceUnavailable, "no live generator")
		return
	}
	w.Header().Set("content-type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type idsResponse struct {
	IDs []gflake.ID `json:"ids"`
}

func (s *Server) handleNextIDs(w http.ResponseWriter, r *http.Request) {
	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxBatch {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("count must be an integer in 1..%d", MaxBatch))
			return
		}
		count = n
	}

	ids, err := s.client.GenerateN(count)
	if err != nil {
		s.respondWithGenError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, idsResponse{IDs: ids})
}

type decodeResponse struct {
	ID gflake.ID `json:"id"`
	gflake.Components
	UnixMillis int64     `json:"unix_ms"`
	Time       time.Time `json:"time"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	id, err := gflake.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.respondWithGenError(w, r, err)
		return
	}
	ms, err := s.client.ToTimestamp(id, gflake.Milliseconds)
	if err != nil {
		s.respondWithGenError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, decodeResponse{
		ID:         id,
		Components: id.Components(),
		UnixMillis: ms,
		Time:       id.Time(s.client.Epoch()),
	})
}

type timestampResponse struct {
	ID        gflake.ID   `json:"id"`
	Unit      gflake.Unit `json:"unit"`
	Timestamp int64       `json:"timestamp"`
}

func (s *Server) handleTimestamp(w http.ResponseWriter, r *http.Request) {
	id, err := gflake.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		s.respondWithGenError(w, r, err)
		return
	}
	unit, err := gflake.ParseUnit(r.URL.Query().Get("unit"))
	if err != nil {
		s.respondWithGenError(w, r, err)
		return
	}
	ts, err := s.client.ToTimestamp(id, unit)
	if err != nil {
		s.respondWithGenError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, timestampResponse{ID: id, Unit: unit, Timestamp: ts})
}

func (s *Server) handleIssued(w http.ResponseWriter, r *http.Request) {
	ids := s.client.Issued()
	if ids == nil {
		ids = []gflake.ID{}
	}
	respondWithJSON(w, http.StatusOK, idsResponse{IDs: ids})
}

// respondWithGenError maps library errors onto status codes.
func (s *Server) respondWithGenError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gflake.ErrInvalidFormat),
		errors.Is(err, gflake.ErrOutOfRange),
		errors.Is(err, gflake.ErrInvalidUnit):
		status = http.StatusBadRequest
	case errors.Is(err, gflake.ErrClockRegression),
		errors.Is(err, gflake.ErrNoGenerator):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Warn("request failed",
			slog.String("request_id", GetRequestID(r.Context())),
			slog.Any("error", err),
		)
	}
	respondWithError(w, status, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondWithError(w http.ResponseWriter, code int, msg string) {
	respondWithJSON(w, code, errorResponse{Error: msg})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
