// Package server exposes the gateway over HTTP: the tool-invocation endpoint
// (JSON or SSE framing), the health endpoint, and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/searchscope/search-gateway/internal/audit"
	"github.com/searchscope/search-gateway/internal/auth"
	"github.com/searchscope/search-gateway/internal/config"
	"github.com/searchscope/search-gateway/internal/dispatch"
	"github.com/searchscope/search-gateway/internal/health"
	"github.com/searchscope/search-gateway/internal/limiter"
	"github.com/searchscope/search-gateway/internal/protocol"
)

const maxBodyBytes = 1 << 20

// Options bundles the server dependencies.
type Options struct {
	Config     config.Config
	Dispatcher *dispatch.Dispatcher
	Health     *health.Reporter
	Auth       *auth.Authenticator
	Limiter    *limiter.Limiter
	Audit      *audit.Logger
	Metrics    *Metrics
	// Gatherer backs the /metrics endpoint. It must be the registry the
	// Metrics instruments were registered on.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg        config.Config
	router     chi.Router
	dispatcher *dispatch.Dispatcher
	health     *health.Reporter
	auth       *auth.Authenticator
	limiter    *limiter.Limiter
	audit      *audit.Logger
	metrics    *Metrics
	log        *slog.Logger
}

// New constructs a server with all routes wired.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        opts.Config,
		dispatcher: opts.Dispatcher,
		health:     opts.Health,
		auth:       opts.Auth,
		limiter:    opts.Limiter,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		log:        logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Post(s.cfg.Server.Path, s.handleInvoke)
	r.Get(s.cfg.Server.HealthPath, s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

// Handler exposes the HTTP handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until context cancellation, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	caller, err := s.auth.Verify(r)
	if err != nil {
		s.writeHTTPError(w, http.StatusUnauthorized, err.Error())
		s.metrics.observe("", protocol.KindUnauthorized, time.Since(start).Seconds())
		s.audit.Log(audit.Entry{Method: "", Duration: time.Since(start), ErrorKind: protocol.KindUnauthorized, Error: err.Error()})
		return
	}

	if err := s.limiter.Allow(r.Context(), caller); err != nil {
		status := http.StatusTooManyRequests
		if !errors.Is(err, limiter.ErrRateLimited) {
			status = http.StatusInternalServerError
		}
		s.writeHTTPError(w, status, err.Error())
		s.audit.Log(audit.Entry{Caller: caller, Duration: time.Since(start), Error: err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeHTTPError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	req, err := protocol.Decode(body)
	if err != nil {
		// Codec failures are the one transport-visible error class.
		s.writeHTTPError(w, http.StatusBadRequest, err.Error())
		s.metrics.observe("", "MalformedRequest", time.Since(start).Seconds())
		s.audit.Log(audit.Entry{Caller: caller, Duration: time.Since(start), ErrorKind: "MalformedRequest", Error: err.Error()})
		return
	}

	resp := s.dispatcher.Dispatch(r.Context(), req)

	kind := "ok"
	entry := audit.Entry{
		Caller:    caller,
		Method:    req.Method,
		RequestID: string(req.ID),
		Duration:  time.Since(start),
	}
	if resp.Error != nil {
		kind = resp.Error.Kind
		entry.ErrorKind = resp.Error.Kind
		entry.Error = resp.Error.Message
	}
	s.metrics.observe(req.Method, kind, time.Since(start).Seconds())

	if wantsEventStream(r) {
		entry.Streamed = true
		s.audit.Log(entry)
		s.writeEventStream(w, resp)
		return
	}
	s.audit.Log(entry)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(protocol.Encode(resp))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot(r.Context())

	status := http.StatusOK
	if !snap.Healthy() {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.Error("encode health snapshot", "error", err)
	}
}

// writeEventStream frames the response envelope as a single SSE message, the
// streamable-HTTP shape expected by desktop MCP clients.
func (s *Server) writeEventStream(w http.ResponseWriter, resp protocol.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: message\ndata: %s\n\n", protocol.Encode(resp))
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) writeHTTPError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, _ := json.Marshal(map[string]string{"error": msg})
	w.Write(payload)
}

func wantsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/event-stream")
}
