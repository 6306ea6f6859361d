package ws

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"github.com/agent-command/muxd/internal/broker"
	"github.com/agent-command/muxd/internal/logx"
	"github.com/agent-command/muxd/internal/tmux"
)

// Broker is the part of the session registry the gateway drives.
type Broker interface {
	Attach(ctx context.Context, session, viewerID string, cols, rows int) (*broker.Viewer, error)
	Detach(viewerID string) error
	ReportViewport(ctx context.Context, viewerID string, cols, rows int) error
	RunCommand(ctx context.Context, session, text string) (tmux.Reply, error)
}

type Options struct {
	// AllowedOrigins lists extra origins allowed to connect; "*" allows
	// any. Same-host and loopback origins are always allowed.
	AllowedOrigins    []string
	CommandsPerSecond float64
	CommandBurst      int
	CommandTimeout    time.Duration
	Logger            pslog.Logger
}

// Gateway serves viewer WebSocket connections:
//
//	GET /ws?session=NAME[&viewer=ID][&cols=N&rows=N]
type Gateway struct {
	broker   Broker
	opts     Options
	log      pslog.Logger
	upgrader websocket.Upgrader
}

func NewGateway(b Broker, opts Options) *Gateway {
	if opts.CommandsPerSecond <= 0 {
		opts.CommandsPerSecond = 50
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 100
	}
	g := &Gateway{broker: b, opts: opts, log: logx.OrDiscard(opts.Logger)}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(g.opts.AllowedOrigins, "*") || slices.Contains(g.opts.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == r.Host
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session := q.Get("session")
	if session == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}
	cols, _ := strconv.Atoi(q.Get("cols"))
	rows, _ := strconv.Atoi(q.Get("rows"))

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		g.log.Warn("ws upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	// The request context ends with the hijacked connection's handler.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	viewer, err := g.broker.Attach(ctx, session, q.Get("viewer"), cols, rows)
	if err != nil {
		g.log.Warn("viewer attach failed", "session", session, "err", err)
		c := &client{conn: conn}
		if env, err2 := c.envelope(TypeError, ErrorPayload{Message: err.Error()}); err2 == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(env)
		}
		return
	}
	defer func() {
		if err := g.broker.Detach(viewer.ID()); err != nil {
			g.log.Debug("viewer detach", "err", err)
		}
	}()

	c := &client{
		gw:      g,
		conn:    conn,
		viewer:  viewer,
		log:     logx.WithViewer(logx.WithSession(g.log, session), viewer.ID()),
		limiter: rate.NewLimiter(rate.Limit(g.opts.CommandsPerSecond), g.opts.CommandBurst),
		out:     make(chan Envelope, 16),
	}
	c.log.Info("viewer connected", "remote", r.RemoteAddr)

	go c.forward(ctx)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readPump(ctx)
	}()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(ctx)
	}()

	select {
	case <-readDone:
	case <-writeDone:
	}
	cancel()
	_ = conn.Close()
	<-writeDone
	<-readDone
	c.log.Info("viewer disconnected")
}
