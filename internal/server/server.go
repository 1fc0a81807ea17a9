// Package server exposes the trigger surface over local HTTP. The CLI, a
// userscript or a keyboard shortcut daemon post messages here instead of
// talking to the browser directly.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tubeprompt/internal/correlator"
	"tubeprompt/internal/logging"
	"tubeprompt/internal/metrics"
	"tubeprompt/internal/types"
)

const (
	maxBodyBytes    = 64 << 10
	triggerTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Triggerer is the part of the correlator the server drives.
type Triggerer interface {
	Trigger(ctx context.Context, payload types.TriggerPayload) error
	TriggerLink(ctx context.Context, link string) error
	TriggerActive(ctx context.Context) error
}

// LinkRequest is the body of POST /v1/links.
type LinkRequest struct {
	URL string `json:"url"`
}

// Server serves the trigger endpoints.
type Server struct {
	addr    string
	trig    Triggerer
	metrics bool
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics toggles the /metrics endpoint.
func WithMetrics(enabled bool) Option {
	return func(s *Server) { s.metrics = enabled }
}

// New builds a server listening on addr.
func New(addr string, trig Triggerer, opts ...Option) *Server {
	s := &Server{addr: addr, trig: trig, metrics: true}
	for _, opt := range opts {
		opt(s)
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /v1/messages", s.handleMessage)
	s.mux.HandleFunc("POST /v1/links", s.handleLink)
	s.mux.HandleFunc("POST /v1/active", s.handleActive)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.Ack{OK: true})
	})
	if s.metrics {
		s.mux.Handle("GET /metrics", metrics.Handler())
	}
	return s
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logging.Server("Listening on http://%s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg types.Message
	if err := decodeBody(w, r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, types.Ack{Error: err.Error()})
		return
	}
	switch msg.Type {
	case types.MessageOpenGemini:
		var p types.TriggerPayload
		if err := msg.Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, types.Ack{Error: err.Error()})
			return
		}
		s.respond(w, r, func(ctx context.Context) error { return s.trig.Trigger(ctx, p) })
	default:
		logging.ServerWarn("Unknown message type %q", msg.Type)
		writeJSON(w, http.StatusBadRequest, types.Ack{Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, types.Ack{Error: err.Error()})
		return
	}
	s.respond(w, r, func(ctx context.Context) error { return s.trig.TriggerLink(ctx, req.URL) })
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.trig.TriggerActive)
}

// respond runs a trigger and acknowledges it. A rejected or failed trigger is
// still a well-formed request, so it answers 200 with ok=false.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), triggerTimeout)
	defer cancel()
	if err := run(ctx); err != nil {
		if !errors.Is(err, correlator.ErrRejected) {
			logging.ServerWarn("%s %s: %v", r.Method, r.URL.Path, err)
		}
		writeJSON(w, http.StatusOK, types.Ack{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, types.Ack{OK: true})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
