package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/agent-command/muxd/internal/logx"
	"github.com/agent-command/muxd/internal/metrics"
	"github.com/agent-command/muxd/internal/queue"
	"github.com/agent-command/muxd/internal/state"
	"github.com/agent-command/muxd/internal/tmux"
)

type State int32

const (
	Starting State = iota
	Attached
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Attached:
		return "attached"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrMonitorClosed = errors.New("monitor: closed")
	ErrNotAttached   = errors.New("monitor: not attached")
	ErrSpawn         = errors.New("monitor: failed to start control client")
)

// Transport is the control connection a monitor drives. *tmux.Conn
// implements it.
type Transport interface {
	Enqueue(steps ...string) (*tmux.Pending, error)
	Events() <-chan tmux.Event
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Spawner interface {
	Spawn(session string, cols, rows int) (Transport, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(session string, cols, rows int) (Transport, error)

func (f SpawnerFunc) Spawn(session string, cols, rows int) (Transport, error) {
	return f(session, cols, rows)
}

// ClientSpawner starts real tmux control clients.
type ClientSpawner struct {
	Client *tmux.Client
	Conn   tmux.ConnOptions
}

func (s ClientSpawner) Spawn(session string, cols, rows int) (Transport, error) {
	conn, err := s.Client.Spawn(session, cols, rows, s.Conn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Options struct {
	Session string
	Cols    int
	Rows    int
	Spawner Spawner
	// Workarounds supplies the rewrite table, read once at start.
	Workarounds TableSource
	// Version selects which rewrite rules apply. The zero value only
	// matches unconstrained rules.
	Version tmux.Version
	// ResyncInterval is the period of geometry resyncs. Zero disables them.
	ResyncInterval time.Duration
	// PublishInterval coalesces snapshot publication. Zero publishes on
	// every change.
	PublishInterval time.Duration
	// StartTimeout bounds the wait for the first snapshot.
	StartTimeout   time.Duration
	Scrollback     int
	SnapshotBuffer int
	Logger         pslog.Logger
	Metrics        *metrics.Registry
}

const (
	retryInitial = 100 * time.Millisecond
	retryMax     = 5 * time.Second
)

// resyncRun is a resync in progress. Each step is applied when its reply
// ends in the event stream, so notifications sent before the reply are
// already folded and those sent after it are folded on top.
type resyncRun struct {
	reason string
	full   bool
	steps  []resyncStep
}

type resyncStep struct {
	pending *tmux.Pending
	// paneID is empty for the listing step.
	paneID string
}

// Monitor owns one control client and the state of its session.
type Monitor struct {
	opts    Options
	log     pslog.Logger
	metrics *metrics.Registry
	table   *Table
	conn    Transport

	phase  atomic.Int32
	latest atomic.Pointer[state.Snapshot]

	subMu      sync.Mutex
	subs       map[*Subscription]struct{}
	subsClosed bool

	attached chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	errMu sync.Mutex
	err   error

	// Owned by the loop goroutine.
	agg          *state.Aggregator
	resync       *resyncRun
	resyncNext   string
	resyncFull   bool
	retryDelay   time.Duration
	retryTimer   *time.Timer
	retryC       <-chan time.Time
	inconsistent bool
	dirty        bool
	publishTimer *time.Timer
	publishC     <-chan time.Time
	closing      bool
	wasAttached  bool
	exitReason   string
}

// Start spawns a control client for opts.Session and returns once the
// first snapshot is available.
func Start(ctx context.Context, opts Options) (*Monitor, error) {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 15 * time.Second
	}
	if opts.SnapshotBuffer <= 0 {
		opts.SnapshotBuffer = 8
	}
	if opts.Workarounds == nil {
		opts.Workarounds = DefaultTable()
	}

	m := &Monitor{
		opts:     opts,
		log:      logx.WithSession(opts.Logger, opts.Session),
		metrics:  opts.Metrics,
		table:    opts.Workarounds.Current(),
		subs:     map[*Subscription]struct{}{},
		attached: make(chan struct{}),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		agg:      state.NewAggregator(opts.Session, opts.Scrollback),
	}
	m.log.Info("monitor starting", "cols", opts.Cols, "rows", opts.Rows, "tmux_version", opts.Version.String())

	conn, err := opts.Spawner.Spawn(opts.Session, opts.Cols, opts.Rows)
	if err != nil {
		m.phase.Store(int32(Closed))
		close(m.done)
		m.metrics.RecordMonitorStart(err)
		m.log.Error("control client spawn failed", "err", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, opts.Session, err)
	}
	m.conn = conn
	go m.loop()

	timer := time.NewTimer(opts.StartTimeout)
	defer timer.Stop()
	select {
	case <-m.attached:
		return m, nil
	case <-m.done:
		err = m.Err()
		if err == nil {
			err = ErrMonitorClosed
		}
	case <-timer.C:
		err = errors.New("timed out waiting for first snapshot")
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.quitOnce.Do(func() { close(m.quit) })
	<-m.done
	m.metrics.RecordMonitorStart(err)
	return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, opts.Session, err)
}

func (m *Monitor) Session() string { return m.opts.Session }

func (m *Monitor) State() State { return State(m.phase.Load()) }

// Done is closed once the monitor is Closed.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Err reports why the monitor closed without being asked to, or nil.
func (m *Monitor) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Latest returns the most recently published snapshot.
func (m *Monitor) Latest() *state.Snapshot { return m.latest.Load() }

// RunCommand applies the workaround table to text and runs the result
// as one command line.
func (m *Monitor) RunCommand(ctx context.Context, text string) (tmux.Reply, error) {
	switch m.State() {
	case Attached:
	case Starting:
		return tmux.Reply{}, ErrNotAttached
	default:
		return tmux.Reply{}, ErrMonitorClosed
	}

	steps, rule := m.table.Rewrite(text, m.opts.Version)
	if rule != "" {
		m.metrics.RecordRewrite(rule)
		m.log.Info("command rewritten", "rule", rule, "command", text, "steps", strings.Join(steps, " ; "))
	}

	start := time.Now()
	p, err := m.conn.Enqueue(steps...)
	if err != nil {
		m.metrics.RecordCommand("rejected", time.Since(start))
		if errors.Is(err, tmux.ErrTransportClosed) {
			return tmux.Reply{}, fmt.Errorf("%w: %w", ErrMonitorClosed, err)
		}
		return tmux.Reply{}, err
	}
	reply, err := p.Wait(ctx)
	m.metrics.RecordCommand(commandResult(err), time.Since(start))
	return reply, err
}

// Resize sets the size of the session's client.
func (m *Monitor) Resize(ctx context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	_, err := m.RunCommand(ctx, resizeCommand(cols, rows))
	return err
}

// Shutdown detaches the control client and waits until the monitor is
// Closed or ctx ends. The client is killed if it does not exit within
// the connection's grace period.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.quitOnce.Do(func() { close(m.quit) })
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) shutdownRequested() bool {
	select {
	case <-m.quit:
		return true
	default:
		return false
	}
}

func (m *Monitor) setState(s State) {
	prev := State(m.phase.Swap(int32(s)))
	if prev != s {
		m.log.Info("monitor state", "from", prev.String(), "to", s.String())
	}
}

func (m *Monitor) setErr(err error) {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	if m.err == nil {
		m.err = err
	}
}

func (m *Monitor) loop() {
	defer m.finish()

	steps, _ := m.table.Rewrite(resizeCommand(m.opts.Cols, m.opts.Rows), m.opts.Version)
	if p, err := m.conn.Enqueue(steps...); err == nil {
		go func() {
			if _, err := p.Wait(context.Background()); err != nil {
				m.log.Warn("initial resize failed", "err", err)
			}
		}()
	}
	m.startResync("initial", true)

	var tick <-chan time.Time
	if m.opts.ResyncInterval > 0 {
		ticker := time.NewTicker(m.opts.ResyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	events := m.conn.Events()
	quit := m.quit
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		case <-m.resyncWake():
			m.advanceResync(0)
		case <-m.retryC:
			m.retryC, m.retryTimer = nil, nil
			m.requestResync("retry", true)
		case <-tick:
			if m.State() == Attached {
				m.requestResync("periodic", false)
			}
		case <-m.publishC:
			m.publishC, m.publishTimer = nil, nil
			if m.dirty {
				m.publish()
			}
		case <-quit:
			quit = nil
			m.beginClosing("shutdown requested")
		}
	}
}

func (m *Monitor) handle(ev tmux.Event) {
	switch e := ev.(type) {
	case tmux.Exit:
		m.exitReason = e.Reason
		m.log.Info("control client exit", "reason", e.Reason)
		m.beginClosing("control client exited")
		return
	case tmux.Unknown:
		if e.Raw != "" {
			m.metrics.RecordAnomaly()
			m.log.Warn("unrecognised control line", "line", e.Raw)
		}
		return
	case tmux.CommandDone:
		m.advanceResync(e.Seq)
		return
	case tmux.Output:
		m.log.Trace("pane output", "pane", e.PaneID, "bytes", len(e.Data))
	default:
		m.log.Debug("control event", "event", fmt.Sprintf("%T", ev))
	}

	changed, err := m.agg.Apply(ev)
	if err != nil {
		m.log.Warn("state inconsistency, resynchronising", "err", err)
		m.inconsistent = true
		m.requestResync("inconsistency", true)
		return
	}

	switch ev.(type) {
	case tmux.WindowAdd, tmux.PaneModeChanged, tmux.SessionChanged, tmux.ClientSessionChanged:
		// These carry less than the state needs (names, indexes, modes).
		m.requestResync("notification", false)
	}
	if changed {
		m.markDirty()
	}
}

func (m *Monitor) beginClosing(reason string) {
	if m.closing {
		return
	}
	m.closing = true
	m.setState(Closing)
	m.log.Info("monitor closing", "reason", reason)
	go func() {
		if err := m.conn.Close(); err != nil {
			m.log.Warn("close control client", "err", err)
		}
	}()
}

func (m *Monitor) requestResync(reason string, full bool) {
	if m.closing {
		return
	}
	if m.resync != nil {
		if m.resyncNext == "" || full {
			m.resyncNext = reason
		}
		m.resyncFull = m.resyncFull || full
		return
	}
	m.startResync(reason, full)
}

// startResync queues the listing. Captures follow once it has been applied
// when full is set.
func (m *Monitor) startResync(reason string, full bool) {
	m.metrics.RecordResync(reason)
	m.log.Debug("resync", "reason", reason, "full", full)
	run := &resyncRun{reason: reason, full: full}
	m.resync = run
	p, err := m.conn.Enqueue(state.ListingCommands()...)
	if err != nil {
		m.failResync(err)
		return
	}
	run.steps = append(run.steps, resyncStep{pending: p})
}

func (m *Monitor) startQueuedResync() {
	if m.resyncNext == "" || m.closing {
		return
	}
	reason, full := m.resyncNext, m.resyncFull
	m.resyncNext, m.resyncFull = "", false
	m.startResync(reason, full)
}

type outcome struct {
	reply tmux.Reply
	err   error
	// framed is set when tmux answered with a reply block, which is
	// followed by a CommandDone. Timeouts and transport failures are not.
	framed bool
}

// settled returns the outcome of p if it has finished.
func settled(p *tmux.Pending) (outcome, bool) {
	select {
	case <-p.Done():
	default:
		return outcome{}, false
	}
	reply, err := p.Wait(context.Background())
	var cmdErr *tmux.CommandError
	return outcome{reply: reply, err: err, framed: err == nil || errors.As(err, &cmdErr)}, true
}

// resyncWake is ready when the head step failed without a reply block.
// Steps with a reply wait for their CommandDone instead.
func (m *Monitor) resyncWake() <-chan struct{} {
	if m.resync == nil || len(m.resync.steps) == 0 {
		return nil
	}
	p := m.resync.steps[0].pending
	if out, done := settled(p); done && out.framed {
		return nil
	}
	return p.Done()
}

// advanceResync applies every finished step whose reply ended at or
// before the CommandDone for seq marker. A zero marker only drains steps
// that failed without a reply.
func (m *Monitor) advanceResync(marker int64) {
	for m.resync != nil && len(m.resync.steps) > 0 {
		run := m.resync
		step := run.steps[0]
		out, done := settled(step.pending)
		if !done || (out.framed && out.reply.Seq > marker) {
			return
		}
		run.steps = run.steps[1:]
		if out.err != nil {
			m.log.Debug("resync command failed", "command", step.pending.Command(), "err", out.err)
		}
		if step.paneID == "" {
			m.applyListing(run, out.reply, out.err)
		} else {
			m.applyCapture(step.paneID, out.reply, out.err)
		}
		if m.resync == run && len(run.steps) == 0 {
			m.completeResync()
		}
	}
}

func (m *Monitor) applyListing(run *resyncRun, reply tmux.Reply, err error) {
	if err != nil {
		m.failResync(err)
		return
	}
	snap, err := state.ParseListing(m.opts.Session, reply.Lines)
	if err != nil {
		m.failResync(err)
		return
	}
	if m.closing {
		return
	}
	m.agg.Replace(snap)
	m.inconsistent = false
	m.retryDelay = 0
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer, m.retryC = nil, nil
	}
	if err := m.agg.Check(); err != nil {
		m.log.Warn("state listing inconsistent", "err", err)
	}
	m.dirty = true
	if !run.full {
		return
	}

	ids := make([]string, 0, len(snap.Panes))
	for id := range snap.Panes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p, err := m.conn.Enqueue(state.CaptureCommand(id, m.opts.Scrollback))
		if err != nil {
			m.log.Warn("capture not queued", "pane", id, "err", err)
			break
		}
		run.steps = append(run.steps, resyncStep{pending: p, paneID: id})
	}
}

func (m *Monitor) applyCapture(paneID string, reply tmux.Reply, err error) {
	if err != nil {
		// The pane may have closed since the listing.
		return
	}
	if m.agg.SetLines(paneID, trimBlank(reply.Lines)) {
		m.dirty = true
	}
}

func (m *Monitor) completeResync() {
	m.resync = nil
	if m.closing {
		return
	}
	if m.State() == Starting {
		m.setState(Attached)
		m.wasAttached = true
		m.metrics.RecordMonitorStart(nil)
		m.publish()
		close(m.attached)
	} else if m.dirty {
		m.markDirty()
	}
	m.startQueuedResync()
}

func (m *Monitor) failResync(err error) {
	reason := m.resync.reason
	m.resync = nil
	if m.closing {
		return
	}
	if m.State() == Starting {
		m.setErr(fmt.Errorf("initial state listing: %w", err))
		m.beginClosing("initial state listing failed")
		return
	}
	m.log.Warn("resync failed", "reason", reason, "err", err)
	if m.resyncNext != "" {
		m.startQueuedResync()
		return
	}
	if m.inconsistent {
		m.scheduleRetry()
	}
}

// scheduleRetry arranges another full resync while the state is known to
// be wrong. The delay doubles up to retryMax and resets once a listing
// is applied.
func (m *Monitor) scheduleRetry() {
	if m.retryTimer != nil {
		return
	}
	if m.retryDelay == 0 {
		m.retryDelay = retryInitial
	} else {
		m.retryDelay = min(m.retryDelay*2, retryMax)
	}
	m.log.Info("resync retry scheduled", "delay", m.retryDelay)
	m.retryTimer = time.NewTimer(m.retryDelay)
	m.retryC = m.retryTimer.C
}

func (m *Monitor) markDirty() {
	m.dirty = true
	if m.State() != Attached {
		return
	}
	if m.opts.PublishInterval <= 0 {
		m.publish()
		return
	}
	if m.publishTimer == nil {
		m.publishTimer = time.NewTimer(m.opts.PublishInterval)
		m.publishC = m.publishTimer.C
	}
}

// publish hands the current state to every subscriber. It never blocks:
// a subscriber that has fallen behind loses its oldest snapshots.
func (m *Monitor) publish() {
	if m.inconsistent {
		return
	}
	snap := m.agg.Snapshot()
	m.latest.Store(snap)
	m.dirty = false

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sub := range m.subs {
		if n := sub.ring.Push(snap); n > 0 {
			m.metrics.RecordDropped(n)
			if !sub.warned {
				sub.warned = true
				m.log.Warn("subscriber falling behind, dropping snapshots")
			}
		}
	}
}

func (m *Monitor) finish() {
	if m.publishTimer != nil {
		m.publishTimer.Stop()
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	if !m.shutdownRequested() {
		reason := m.exitReason
		if reason == "" {
			reason = "control client exited"
		}
		if err := m.conn.Err(); err != nil && m.exitReason == "" {
			m.setErr(err)
		} else {
			m.setErr(fmt.Errorf("%w: %s", tmux.ErrTransportClosed, reason))
		}
	}
	m.setState(Closed)

	m.subMu.Lock()
	m.subsClosed = true
	for sub := range m.subs {
		sub.ring.Close()
	}
	m.subMu.Unlock()

	if m.wasAttached {
		m.metrics.RecordMonitorStop()
	}
	m.log.Info("monitor closed", "err", m.Err())
	close(m.done)
}

// Subscription receives the snapshots a monitor publishes.
type Subscription struct {
	m      *Monitor
	ring   *queue.Ring[*state.Snapshot]
	warned bool
}

// Subscribe registers a subscriber. The latest snapshot, if any, is
// queued for it immediately.
func (m *Monitor) Subscribe() *Subscription {
	sub := &Subscription{m: m, ring: queue.NewRing[*state.Snapshot](m.opts.SnapshotBuffer)}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.subsClosed {
		sub.ring.Close()
		return sub
	}
	if snap := m.latest.Load(); snap != nil {
		sub.ring.Push(snap)
	}
	m.subs[sub] = struct{}{}
	return sub
}

// Next waits for the next snapshot. After the monitor closes and the
// backlog is drained it returns ErrMonitorClosed.
func (s *Subscription) Next(ctx context.Context) (*state.Snapshot, error) {
	snap, err := s.ring.Next(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return nil, ErrMonitorClosed
	}
	return snap, err
}

// Dropped counts snapshots this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 { return s.ring.Dropped() }

func (s *Subscription) Close() {
	s.m.subMu.Lock()
	delete(s.m.subs, s)
	s.m.subMu.Unlock()
	s.ring.Close()
}

func resizeCommand(cols, rows int) string {
	return fmt.Sprintf("refresh-client -C %dx%d", cols, rows)
}

func commandResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, tmux.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "abandoned"
	default:
		return "error"
	}
}

func trimBlank(lines []string) []string {
	n := len(lines)
	for n > 0 && strings.TrimSpace(lines[n-1]) == "" {
		n--
	}
	return append(make([]string, 0, n), lines[:n]...)
}
