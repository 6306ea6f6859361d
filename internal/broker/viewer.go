package broker

import (
	"context"
	"errors"

	"github.com/agent-command/muxd/internal/metrics"
	"github.com/agent-command/muxd/internal/queue"
	"github.com/agent-command/muxd/internal/state"
)

type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	// EventClosed is the last event of a session that ended on its own.
	EventClosed EventKind = "closed"
)

type Event struct {
	Kind     EventKind
	Session  string
	Snapshot *state.Snapshot
	Err      error
}

// Viewer is one attached client of a session. Its events are buffered in
// a small drop-oldest ring so a slow viewer never holds up the others.
type Viewer struct {
	id   string
	sess *session
	ring *queue.Ring[Event]

	// Guarded by the registry lock.
	size    Size
	lastGen uint64
	seen    bool
}

func newViewer(id string, s *session, size Size, buffer int) *Viewer {
	return &Viewer{id: id, sess: s, size: size, ring: queue.NewRing[Event](buffer)}
}

func (v *Viewer) ID() string { return v.id }

func (v *Viewer) Session() string { return v.sess.name }

// Next waits for the next event. Once the viewer is detached and its
// backlog drained it returns ErrViewerClosed.
func (v *Viewer) Next(ctx context.Context) (Event, error) {
	ev, err := v.ring.Next(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return Event{}, ErrViewerClosed
	}
	return ev, err
}

// Dropped counts events discarded because the viewer fell behind.
func (v *Viewer) Dropped() uint64 { return v.ring.Dropped() }

// offer queues snap unless the viewer already has it or a newer one.
func (v *Viewer) offer(snap *state.Snapshot, m *metrics.Registry) {
	if v.seen && snap.Generation <= v.lastGen {
		return
	}
	v.seen, v.lastGen = true, snap.Generation
	if n := v.ring.Push(Event{Kind: EventSnapshot, Session: v.sess.name, Snapshot: snap}); n > 0 {
		m.RecordDropped(n)
	}
}

func (v *Viewer) terminate(cause error) {
	v.ring.Push(Event{Kind: EventClosed, Session: v.sess.name, Err: cause})
	v.ring.Close()
}
