// Package web provides an HTTP status server for the level-sensor daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/level-sensor/internal/engine"
	"github.com/sweeney/level-sensor/internal/mqtt"
	"github.com/sweeney/level-sensor/internal/status"
)

// Submission carries a command from a transport to the run loop. Reply, if
// non-nil, receives the outcome and must be buffered.
type Submission struct {
	Command engine.Command
	Source  string
	Reply   chan error
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	log        *zap.Logger
	hub        *Hub
	metrics    http.Handler
	submit     chan<- Submission
	timeout    time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l.Named("web") }
}

// WithHub serves live events on /ws.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithCommands accepts POST /command and forwards to submit.
func WithCommands(submit chan<- Submission) Option {
	return func(s *Server) { s.submit = submit }
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{
		tracker: tracker,
		log:     zap.NewNop(),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	if s.hub != nil {
		mux.HandleFunc("/ws", s.handleWS)
	}
	if s.submit != nil {
		mux.HandleFunc("POST /command", s.handleCommand)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server. Websocket clients are
// hijacked connections, so the hub is closed separately.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap, s.hub != nil); err != nil {
		s.log.Error("render index", zap.Error(err))
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, status.FormatStatusEvent(s.tracker.Snapshot(), "SNAPSHOT", ""))
}

// CommandResponse is the JSON body returned by POST /command.
type CommandResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
	Mode     string `json:"mode"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		s.writeCommand(w, http.StatusBadRequest, err)
		return
	}
	cmd, err := mqtt.ParseCommand(body)
	if err != nil {
		s.writeCommand(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sub := Submission{Command: cmd, Source: "http", Reply: make(chan error, 1)}
	select {
	case s.submit <- sub:
	case <-ctx.Done():
		s.writeCommand(w, http.StatusServiceUnavailable, ctx.Err())
		return
	}

	select {
	case err = <-sub.Reply:
	case <-ctx.Done():
		s.writeCommand(w, http.StatusGatewayTimeout, ctx.Err())
		return
	}

	code := http.StatusOK
	switch {
	case errors.Is(err, engine.ErrRejected):
		code = http.StatusConflict
	case err != nil:
		code = http.StatusInternalServerError
	}
	s.writeCommand(w, code, err)
}

func (s *Server) writeCommand(w http.ResponseWriter, code int, err error) {
	resp := CommandResponse{
		Accepted: err == nil,
		Mode:     s.tracker.Snapshot().Mode.String(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
