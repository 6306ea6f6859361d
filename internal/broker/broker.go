package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/agent-command/muxd/internal/logx"
	"github.com/agent-command/muxd/internal/metrics"
	"github.com/agent-command/muxd/internal/monitor"
	"github.com/agent-command/muxd/internal/state"
	"github.com/agent-command/muxd/internal/tmux"
)

var (
	ErrAttachRace        = errors.New("broker: session is shutting down, retry")
	ErrUnknownViewer     = errors.New("broker: unknown viewer")
	ErrUnknownSession    = errors.New("broker: unknown session")
	ErrResizeViaViewport = errors.New("broker: resize commands are not accepted, report a viewport instead")
	ErrViewerClosed      = errors.New("broker: viewer detached")
	ErrClosed            = errors.New("broker: closed")
)

const attachAttempts = 3

type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Arbitrate returns the componentwise minimum of sizes. It reports false
// when sizes is empty.
func Arbitrate(sizes []Size) (Size, bool) {
	if len(sizes) == 0 {
		return Size{}, false
	}
	out := sizes[0]
	for _, s := range sizes[1:] {
		out.Cols = min(out.Cols, s.Cols)
		out.Rows = min(out.Rows, s.Rows)
	}
	return out, true
}

type Options struct {
	// Monitor is the template for every monitor the registry starts;
	// Session, Cols and Rows are filled in per session.
	Monitor      monitor.Options
	DefaultCols  int
	DefaultRows  int
	TeardownWait time.Duration
	ViewerBuffer int
	Logger       pslog.Logger
	Metrics      *metrics.Registry
}

// Registry maps session names to their monitor and attached viewers.
type Registry struct {
	opts    Options
	log     pslog.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	sessions map[string]*session
	viewers  map[string]*Viewer
	teardown map[string]chan struct{}
	closed   bool
}

type session struct {
	name    string
	viewers map[string]*Viewer

	// Set once ready is closed.
	mon *monitor.Monitor
	sub *monitor.Subscription
	err error

	ready   chan struct{}
	stopped chan struct{}
	closing bool

	// size is the last size requested or observed.
	size     Size
	resizeMu sync.Mutex
}

func New(opts Options) *Registry {
	if opts.DefaultCols <= 0 {
		opts.DefaultCols = 80
	}
	if opts.DefaultRows <= 0 {
		opts.DefaultRows = 24
	}
	if opts.TeardownWait <= 0 {
		opts.TeardownWait = 4 * time.Second
	}
	if opts.ViewerBuffer <= 0 {
		opts.ViewerBuffer = 4
	}
	if opts.Monitor.Metrics == nil {
		opts.Monitor.Metrics = opts.Metrics
	}
	log := logx.OrDiscard(opts.Logger)
	if opts.Monitor.Logger == nil {
		opts.Monitor.Logger = log
	}
	return &Registry{
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		sessions: map[string]*session{},
		viewers:  map[string]*Viewer{},
		teardown: map[string]chan struct{}{},
	}
}

// Attach registers a viewer on name, starting the session's monitor if
// this is its first viewer. The returned viewer already holds the latest
// snapshot. An empty viewerID is replaced by a generated one.
func (r *Registry) Attach(ctx context.Context, name, viewerID string, cols, rows int) (*Viewer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty session name", ErrUnknownSession)
	}
	if viewerID == "" {
		viewerID = uuid.NewString()
	}
	if cols <= 0 {
		cols = r.opts.DefaultCols
	}
	if rows <= 0 {
		rows = r.opts.DefaultRows
	}

	var err error
	for attempt := 0; attempt < attachAttempts; attempt++ {
		var v *Viewer
		v, err = r.attachOnce(ctx, name, viewerID, Size{cols, rows})
		if !errors.Is(err, ErrAttachRace) {
			return v, err
		}
		r.log.Debug("attach raced with teardown, retrying", "session", name, "viewer", viewerID, "attempt", attempt+1)
	}
	return nil, err
}

func (r *Registry) attachOnce(ctx context.Context, name, viewerID string, size Size) (*Viewer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := r.viewers[viewerID]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("viewer %s already attached", viewerID)
	}

	s, ok := r.sessions[name]
	if ok && s.dead() {
		// The monitor exited and its pump has not removed it yet.
		r.retireLocked(s)
		ok = false
	}
	creator := !ok
	var prev chan struct{}
	if creator {
		s = &session{
			name:    name,
			viewers: map[string]*Viewer{},
			ready:   make(chan struct{}),
			stopped: make(chan struct{}),
		}
		r.sessions[name] = s
		prev = r.teardown[name]
	}
	v := newViewer(viewerID, s, size, r.opts.ViewerBuffer)
	s.viewers[viewerID] = v
	r.viewers[viewerID] = v
	r.mu.Unlock()

	r.metrics.RecordViewers(1)
	log := logx.WithViewer(logx.WithSession(r.log, name), viewerID)
	log.Info("viewer attaching", "cols", size.Cols, "rows", size.Rows, "first", creator)

	if creator {
		r.startSession(ctx, s, prev)
	}
	select {
	case <-s.ready:
	case <-ctx.Done():
		_ = r.Detach(viewerID)
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}

	r.mu.Lock()
	if s.closing || s.mon.State() != monitor.Attached {
		r.removeViewerLocked(v, nil)
		r.mu.Unlock()
		return nil, ErrAttachRace
	}
	if latest := s.mon.Latest(); latest != nil {
		v.offer(latest, r.metrics)
	}
	r.mu.Unlock()

	log.Info("viewer attached")
	r.arbitrate(ctx, s)
	return v, nil
}

// startSession starts the monitor for s after any previous monitor of
// the same name has finished tearing down.
func (r *Registry) startSession(ctx context.Context, s *session, prev chan struct{}) {
	log := logx.WithSession(r.log, s.name)
	if prev != nil {
		timer := time.NewTimer(r.opts.TeardownWait)
		select {
		case <-prev:
		case <-timer.C:
			log.Warn("previous monitor still tearing down, starting anyway", "wait", r.opts.TeardownWait)
		case <-ctx.Done():
		}
		timer.Stop()
	}

	r.mu.Lock()
	sizes := s.viewerSizes()
	r.mu.Unlock()
	size, _ := Arbitrate(sizes)
	if size == (Size{}) {
		size = Size{r.opts.DefaultCols, r.opts.DefaultRows}
	}

	opts := r.opts.Monitor
	opts.Session, opts.Cols, opts.Rows = s.name, size.Cols, size.Rows
	mon, err := monitor.Start(ctx, opts)
	if err != nil {
		log.Error("monitor start failed", "err", err)
		r.mu.Lock()
		s.err = err
		s.closing = true
		if r.sessions[s.name] == s {
			delete(r.sessions, s.name)
		}
		n := len(s.viewers)
		for _, v := range s.viewers {
			delete(r.viewers, v.id)
			v.ring.Close()
		}
		s.viewers = map[string]*Viewer{}
		r.mu.Unlock()
		r.metrics.RecordViewers(-n)
		close(s.stopped)
		close(s.ready)
		return
	}

	r.mu.Lock()
	s.mon = mon
	s.sub = mon.Subscribe()
	if snap := mon.Latest(); snap != nil {
		s.size = Size{snap.Width, snap.Height}
	}
	// Every viewer left while the monitor was starting.
	orphaned := s.closing
	r.mu.Unlock()

	close(s.ready)
	go r.pump(s)
	if orphaned {
		go r.shutdown(mon)
	}
}

// pump fans snapshots out to the session's viewers until the monitor
// closes, then tears the session down.
func (r *Registry) pump(s *session) {
	log := logx.WithSession(r.log, s.name)
	for {
		snap, err := s.sub.Next(context.Background())
		if err != nil {
			break
		}
		r.mu.Lock()
		if snap.Width > 0 && snap.Height > 0 {
			s.size = Size{snap.Width, snap.Height}
		}
		for _, v := range s.viewers {
			v.offer(snap, r.metrics)
		}
		r.mu.Unlock()
	}
	<-s.mon.Done()

	cause := s.mon.Err()
	r.mu.Lock()
	r.retireLocked(s)
	viewers := make([]*Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
		delete(r.viewers, v.id)
	}
	s.viewers = map[string]*Viewer{}
	for _, v := range viewers {
		v.terminate(cause)
	}
	if r.teardown[s.name] == s.stopped {
		delete(r.teardown, s.name)
	}
	r.mu.Unlock()

	if len(viewers) > 0 {
		r.metrics.RecordViewers(-len(viewers))
		log.Warn("session ended with viewers attached", "viewers", len(viewers), "err", cause)
	} else {
		log.Info("session stopped", "snapshots_dropped", s.sub.Dropped())
	}
	close(s.stopped)
}

// retireLocked removes s from the map so that the next attach starts a
// fresh monitor, which waits for s to finish first.
func (r *Registry) retireLocked(s *session) {
	s.closing = true
	if r.sessions[s.name] == s {
		delete(r.sessions, s.name)
		r.teardown[s.name] = s.stopped
	}
}

func (r *Registry) shutdown(mon *monitor.Monitor) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*r.opts.TeardownWait)
	defer cancel()
	if err := mon.Shutdown(ctx); err != nil {
		r.log.Warn("monitor shutdown incomplete", "session", mon.Session(), "err", err)
	}
}

// Detach removes a viewer. When it was the session's last viewer the
// session entry is removed and its monitor shut down in the background.
func (r *Registry) Detach(viewerID string) error {
	r.mu.Lock()
	v, ok := r.viewers[viewerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownViewer, viewerID)
	}
	s := v.sess
	r.removeViewerLocked(v, nil)
	var stop *monitor.Monitor
	last := len(s.viewers) == 0 && !s.closing
	if last {
		r.retireLocked(s)
		stop = s.mon
	}
	r.mu.Unlock()

	log := logx.WithViewer(logx.WithSession(r.log, s.name), viewerID)
	log.Info("viewer detached", "last", last)
	if stop != nil {
		go r.shutdown(stop)
	} else if !last {
		r.arbitrate(context.Background(), s)
	}
	return nil
}

// removeViewerLocked forgets v. A non-nil cause is delivered to it as a
// final EventClosed.
func (r *Registry) removeViewerLocked(v *Viewer, cause error) {
	if r.viewers[v.id] != v {
		return
	}
	delete(r.viewers, v.id)
	delete(v.sess.viewers, v.id)
	if cause != nil {
		v.terminate(cause)
	} else {
		v.ring.Close()
	}
	r.metrics.RecordViewers(-1)
}

// ReportViewport records a viewer's terminal size and re-arbitrates.
func (r *Registry) ReportViewport(ctx context.Context, viewerID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", cols, rows)
	}
	r.mu.Lock()
	v, ok := r.viewers[viewerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownViewer, viewerID)
	}
	v.size = Size{cols, rows}
	s := v.sess
	r.mu.Unlock()
	return r.arbitrate(ctx, s)
}

// arbitrate shrinks the session to the smallest viewport when that is
// below its current size. It never grows the session.
func (r *Registry) arbitrate(ctx context.Context, s *session) error {
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()

	r.mu.Lock()
	if s.closing || s.mon == nil {
		r.mu.Unlock()
		return nil
	}
	target, ok := Arbitrate(s.viewerSizes())
	if !ok {
		r.mu.Unlock()
		return nil
	}
	cur := s.size
	want := Size{min(target.Cols, cur.Cols), min(target.Rows, cur.Rows)}
	if cur == (Size{}) {
		want = target
	}
	if want == cur {
		r.mu.Unlock()
		return nil
	}
	s.size = want
	mon := s.mon
	r.mu.Unlock()

	return r.resize(ctx, mon, cur, want)
}

func (r *Registry) resize(ctx context.Context, mon *monitor.Monitor, from, to Size) error {
	r.metrics.RecordResize()
	log := logx.WithSession(r.log, mon.Session())
	log.Info("resizing session", "from_cols", from.Cols, "from_rows", from.Rows, "cols", to.Cols, "rows", to.Rows)
	if err := mon.Resize(ctx, to.Cols, to.Rows); err != nil {
		log.Warn("session resize failed", "err", err)
		return err
	}
	return nil
}

// ResizeSession sets a session's size explicitly. The size is clamped to
// the smallest attached viewport.
func (r *Registry) ResizeSession(ctx context.Context, name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	r.mu.Lock()
	s, err := r.readySessionLocked(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	r.mu.Lock()
	want := Size{cols, rows}
	if limit, ok := Arbitrate(s.viewerSizes()); ok {
		want = Size{min(want.Cols, limit.Cols), min(want.Rows, limit.Rows)}
	}
	cur := s.size
	s.size = want
	mon := s.mon
	r.mu.Unlock()
	if want == cur {
		return nil
	}
	return r.resize(ctx, mon, cur, want)
}

// RunCommand runs text on the session's control client. Commands that
// resize the session are refused; sizes come from viewport arbitration.
func (r *Registry) RunCommand(ctx context.Context, name, text string) (tmux.Reply, error) {
	if isResizeCommand(text) {
		return tmux.Reply{}, ErrResizeViaViewport
	}
	r.mu.Lock()
	s, err := r.readySessionLocked(name)
	r.mu.Unlock()
	if err != nil {
		return tmux.Reply{}, err
	}
	return s.mon.RunCommand(ctx, text)
}

// Snapshot returns the latest snapshot of an attached session.
func (r *Registry) Snapshot(name string) (*state.Snapshot, error) {
	r.mu.Lock()
	s, err := r.readySessionLocked(name)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.mon.Latest(), nil
}

func (r *Registry) readySessionLocked(name string) (*session, error) {
	s, ok := r.sessions[name]
	if !ok || s.closing {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	select {
	case <-s.ready:
	default:
		return nil, fmt.Errorf("%w: %s is starting", ErrUnknownSession, name)
	}
	if s.err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, name)
	}
	return s, nil
}

type SessionInfo struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Viewers int    `json:"viewers"`
	Size    Size   `json:"size"`
	// Dropped sums the events its current viewers lost to backpressure.
	Dropped uint64 `json:"dropped"`
}

// Sessions lists the sessions with attached viewers, by name.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		info := SessionInfo{Name: s.name, State: monitor.Starting.String(), Viewers: len(s.viewers), Size: s.size}
		for _, v := range s.viewers {
			info.Dropped += v.Dropped()
		}
		if s.mon != nil {
			info.State = s.mon.State().String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close detaches every viewer and stops every monitor, waiting for them
// until ctx ends.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var stopping []*session
	for _, s := range r.sessions {
		for _, v := range s.viewers {
			r.removeViewerLocked(v, ErrClosed)
		}
		r.retireLocked(s)
		stopping = append(stopping, s)
	}
	r.mu.Unlock()

	for _, s := range stopping {
		select {
		case <-s.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.mon != nil {
			go r.shutdown(s.mon)
		}
	}
	for _, s := range stopping {
		select {
		case <-s.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.log.Info("registry closed", "sessions", len(stopping))
	return nil
}

func (s *session) viewerSizes() []Size {
	sizes := make([]Size, 0, len(s.viewers))
	for _, v := range s.viewers {
		sizes = append(sizes, v.size)
	}
	return sizes
}

// dead reports whether the session's monitor has stopped on its own.
func (s *session) dead() bool {
	if s.closing {
		return true
	}
	if s.mon == nil {
		return false
	}
	st := s.mon.State()
	return st == monitor.Closing || st == monitor.Closed
}

// isResizeCommand reports whether any step of text resizes the session.
func isResizeCommand(text string) bool {
	for _, step := range strings.Split(text, ";") {
		fields := strings.Fields(step)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "resize-window", "resizew":
			return true
		case "refresh-client", "refresh":
			for _, f := range fields[1:] {
				if f == "-C" || strings.HasPrefix(f, "-C") {
					return true
				}
			}
		}
	}
	return false
}
