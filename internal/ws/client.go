package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"

	"github.com/agent-command/muxd/internal/broker"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 * 1024
)

// Message types.
const (
	TypeSnapshot      = "snapshot"
	TypeSessionClosed = "session.closed"
	TypeCommandResult = "command.result"
	TypeError         = "error"
	TypeViewport      = "viewport"
	TypeCommand       = "command"
)

// Envelope frames every message in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      string          `json:"ts,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ViewportPayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type CommandPayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type CommandResultPayload struct {
	ID     string   `json:"id"`
	OK     bool     `json:"ok"`
	Output []string `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type SessionClosedPayload struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

// client is one viewer connection. Only writePump writes to conn.
type client struct {
	gw      *Gateway
	conn    *websocket.Conn
	viewer  *broker.Viewer
	log     pslog.Logger
	limiter *rate.Limiter
	seq     atomic.Int64
	out     chan Envelope
}

func (c *client) envelope(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Envelope{
		V:       1,
		Type:    msgType,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Seq:     c.seq.Add(1),
		Payload: data,
	}, nil
}

// send queues a message for writePump, giving up if the connection ends.
func (c *client) send(ctx context.Context, msgType string, payload any) {
	env, err := c.envelope(msgType, payload)
	if err != nil {
		c.log.Error("ws envelope", "err", err)
		return
	}
	select {
	case c.out <- env:
	case <-ctx.Done():
	}
}

// forward turns viewer events into outbound messages.
func (c *client) forward(ctx context.Context) {
	for {
		ev, err := c.viewer.Next(ctx)
		if err != nil {
			return
		}
		switch ev.Kind {
		case broker.EventSnapshot:
			c.send(ctx, TypeSnapshot, ev.Snapshot)
		case broker.EventClosed:
			reason := ""
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
			c.send(ctx, TypeSessionClosed, SessionClosedPayload{Session: ev.Session, Reason: reason})
		}
	}
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug("ws write failed", "err", err)
				return
			}
			if env.Type == TypeSessionClosed {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			var syntax *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typ) {
				c.send(ctx, TypeError, ErrorPayload{Message: "malformed message"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("ws read failed", "err", err)
			}
			return
		}

		switch env.Type {
		case TypeViewport:
			var p ViewportPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.send(ctx, TypeError, ErrorPayload{Message: "invalid viewport payload"})
				continue
			}
			if err := c.gw.broker.ReportViewport(ctx, c.viewer.ID(), p.Cols, p.Rows); err != nil {
				c.send(ctx, TypeError, ErrorPayload{Message: err.Error()})
			}
		case TypeCommand:
			var p CommandPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.send(ctx, TypeError, ErrorPayload{Message: "invalid command payload"})
				continue
			}
			if !c.limiter.Allow() {
				c.send(ctx, TypeCommandResult, CommandResultPayload{ID: p.ID, Error: "rate limited"})
				continue
			}
			go c.runCommand(ctx, p)
		default:
			c.send(ctx, TypeError, ErrorPayload{Message: "unknown message type " + env.Type})
		}
	}
}

func (c *client) runCommand(ctx context.Context, p CommandPayload) {
	runCtx := ctx
	if c.gw.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.gw.opts.CommandTimeout)
		defer cancel()
	}
	reply, err := c.gw.broker.RunCommand(runCtx, c.viewer.Session(), p.Text)
	res := CommandResultPayload{ID: p.ID, OK: err == nil, Output: reply.Lines}
	if err != nil {
		res.Error = err.Error()
		c.log.Debug("viewer command failed", "command", p.Text, "err", err)
	}
	c.send(ctx, TypeCommandResult, res)
}
