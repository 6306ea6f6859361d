package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"github.com/agent-command/muxd/internal/broker"
	"github.com/agent-command/muxd/internal/config"
	"github.com/agent-command/muxd/internal/logx"
	"github.com/agent-command/muxd/internal/metrics"
	"github.com/agent-command/muxd/internal/monitor"
	"github.com/agent-command/muxd/internal/state"
	"github.com/agent-command/muxd/internal/tmux"
	"github.com/agent-command/muxd/internal/ws"
)

const maxBody = 64 * 1024

// Sessions is the registry surface served over HTTP.
type Sessions interface {
	ws.Broker
	Sessions() []broker.SessionInfo
	Snapshot(name string) (*state.Snapshot, error)
	ResizeSession(ctx context.Context, name string, cols, rows int) error
}

type Server struct {
	cfg      *config.ServerConfig
	sessions Sessions
	metrics  *metrics.Registry
	log      pslog.Logger
	timeout  time.Duration
	handler  http.Handler
	server   *http.Server
	listener net.Listener
}

type CommandRequest struct {
	Command string `json:"command"`
}

type CommandResponse struct {
	Seq        int64    `json:"seq"`
	Command    string   `json:"command"`
	Output     []string `json:"output"`
	DurationMs int64    `json:"duration_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds the HTTP surface. commandTimeout bounds API commands.
func New(cfg *config.ServerConfig, sessions Sessions, m *metrics.Registry, commandTimeout time.Duration, log pslog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  m,
		log:      logx.OrDiscard(log),
		timeout:  commandTimeout,
	}

	gw := ws.NewGateway(sessions, ws.Options{
		AllowedOrigins:    cfg.AllowedOrigins,
		CommandsPerSecond: cfg.CommandsPerSecond,
		CommandBurst:      cfg.CommandBurst,
		CommandTimeout:    commandTimeout,
		Logger:            s.log,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if m != nil {
		mux.Handle(cfg.MetricsPath, m.Handler())
	}
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{name}/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /v1/sessions/{name}/commands", s.handleCommand)
	mux.HandleFunc("POST /v1/sessions/{name}/resize", s.handleResize)
	s.handler = mux
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "err", err)
		}
	}()

	return nil
}

// Addr reports the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "command is required"})
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	name := r.PathValue("name")
	reply, err := s.sessions.RunCommand(ctx, name, req.Command)
	if err != nil {
		logx.WithSession(s.log, name).Debug("api command failed", "command", req.Command, "err", err)
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{
		Seq:        reply.Seq,
		Command:    reply.Command,
		Output:     reply.Lines,
		DurationMs: reply.Duration.Milliseconds(),
	})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req broker.Size
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cols and rows must be positive"})
		return
	}
	if err := s.sessions.ResizeSession(r.Context(), r.PathValue("name"), req.Cols, req.Rows); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var cmdErr *tmux.CommandError
	switch {
	case errors.Is(err, broker.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrResizeViaViewport):
		return http.StatusBadRequest
	case errors.As(err, &cmdErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tmux.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, tmux.ErrQueueFull), errors.Is(err, monitor.ErrNotAttached):
		return http.StatusServiceUnavailable
	case errors.Is(err, monitor.ErrMonitorClosed), errors.Is(err, tmux.ErrTransportClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
