package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/muxd/internal/metrics"
	"github.com/agent-command/muxd/internal/monitor"
	"github.com/agent-command/muxd/internal/state"
	"github.com/agent-command/muxd/internal/tmux"
	"github.com/agent-command/muxd/internal/tmux/tmuxtest"
)

// peers spawns a fresh scripted tmux for every monitor start.
type peers struct {
	mu   sync.Mutex
	list []*tmuxtest.Peer
	fail error
}

func (p *peers) spawner() monitor.Spawner {
	return monitor.SpawnerFunc(func(session string, cols, rows int) (monitor.Transport, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.fail != nil {
			return nil, p.fail
		}
		peer := tmuxtest.NewPeer(session, 200, 60)
		p.list = append(p.list, peer)
		return peer.Conn(tmux.ConnOptions{CommandTimeout: 2 * time.Second, CloseGrace: time.Second}), nil
	})
}

func (p *peers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.list)
}

func (p *peers) last() *tmuxtest.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.list[len(p.list)-1]
}

func newRegistry(t *testing.T) (*Registry, *peers, *metrics.Registry) {
	t.Helper()
	ps := &peers{}
	reg := metrics.New()
	r := New(Options{
		Monitor:      monitor.Options{Spawner: ps.spawner()},
		TeardownWait: 2 * time.Second,
		Metrics:      reg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, ps, reg
}

func attach(t *testing.T, r *Registry, session, id string, cols, rows int) *Viewer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := r.Attach(ctx, session, id, cols, rows)
	require.NoError(t, err)
	return v
}

func nextSnapshot(t *testing.T, v *Viewer) *state.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := v.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, EventSnapshot, ev.Kind)
	require.NotNil(t, ev.Snapshot)
	return ev.Snapshot
}

func peerSize(p *tmuxtest.Peer, cols, rows int) func() bool {
	return func() bool {
		c, r := p.Size()
		return c == cols && r == rows
	}
}

func TestArbitrate(t *testing.T) {
	_, ok := Arbitrate(nil)
	assert.False(t, ok)

	size, ok := Arbitrate([]Size{{120, 40}, {80, 24}, {100, 30}})
	require.True(t, ok)
	assert.Equal(t, Size{80, 24}, size)

	size, _ = Arbitrate([]Size{{120, 40}, {80, 24}, {100, 30}, {60, 20}})
	assert.Equal(t, Size{60, 20}, size)

	size, _ = Arbitrate([]Size{{200, 10}, {90, 50}})
	assert.Equal(t, Size{90, 10}, size)
}

func TestViewportArbitrationNeverGrows(t *testing.T) {
	r, ps, reg := newRegistry(t)

	attach(t, r, "work", "a", 120, 40)
	peer := ps.last()
	require.Eventually(t, peerSize(peer, 120, 40), 2*time.Second, 10*time.Millisecond)

	attach(t, r, "work", "b", 80, 24)
	require.Eventually(t, peerSize(peer, 80, 24), 2*time.Second, 10*time.Millisecond)

	attach(t, r, "work", "c", 100, 30)
	attach(t, r, "work", "d", 60, 20)
	require.Eventually(t, peerSize(peer, 60, 20), 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(reg.Resizes), 2.0)

	require.NoError(t, r.Detach("d"))
	time.Sleep(200 * time.Millisecond)
	cols, rows := peer.Size()
	assert.Equal(t, 60, cols)
	assert.Equal(t, 20, rows)

	// Reporting a larger viewport does not grow the session either.
	require.NoError(t, r.ReportViewport(context.Background(), "b", 300, 100))
	time.Sleep(100 * time.Millisecond)
	cols, rows = peer.Size()
	assert.Equal(t, 60, cols)
	assert.Equal(t, 20, rows)

	// A smaller one shrinks it.
	require.NoError(t, r.ReportViewport(context.Background(), "c", 50, 10))
	require.Eventually(t, peerSize(peer, 50, 10), 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, r.ReportViewport(context.Background(), "zz", 10, 10), ErrUnknownViewer)
	assert.Error(t, r.ReportViewport(context.Background(), "a", 0, 10))
}

func TestLifecycleStartsOneMonitorAndRestartsFresh(t *testing.T) {
	r, ps, reg := newRegistry(t)

	a := attach(t, r, "work", "a", 80, 24)
	assert.Equal(t, 1, ps.count())
	nextSnapshot(t, a)

	b := attach(t, r, "work", "b", 80, 24)
	assert.Equal(t, 1, ps.count())
	// The second viewer is handed the current snapshot straight away.
	nextSnapshot(t, b)

	ps.last().Output("%1", "stale\r\n")
	require.Eventually(t, func() bool {
		snap, err := r.Snapshot("work")
		return err == nil && slices.Contains(snap.Panes["%1"].Lines, "stale")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Detach("a"))
	assert.Len(t, r.Sessions(), 1)
	require.NoError(t, r.Detach("b"))
	assert.Empty(t, r.Sessions())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(reg.MonitorsActive) == 0
	}, 3*time.Second, 10*time.Millisecond)

	c := attach(t, r, "work", "c", 80, 24)
	assert.Equal(t, 2, ps.count())
	snap := nextSnapshot(t, c)
	require.NoError(t, snap.Check())
	assert.NotContains(t, snap.Panes["%1"].Lines, "stale")
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ViewersActive))
}

func TestAttachImmediatelyAfterLastDetach(t *testing.T) {
	r, ps, _ := newRegistry(t)

	attach(t, r, "work", "a", 80, 24)
	require.NoError(t, r.Detach("a"))
	v := attach(t, r, "work", "b", 80, 24)

	assert.Equal(t, 2, ps.count())
	require.NoError(t, nextSnapshot(t, v).Check())
	info := r.Sessions()
	require.Len(t, info, 1)
	assert.Equal(t, "attached", info[0].State)
	assert.Equal(t, 1, info[0].Viewers)
}

func TestConcurrentAttachStartsOneMonitor(t *testing.T) {
	r, ps, _ := newRegistry(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := r.Attach(ctx, "work", fmt.Sprintf("v%d", i), 80+i, 24+i)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, ps.count())
	info := r.Sessions()
	require.Len(t, info, 1)
	assert.Equal(t, 8, info[0].Viewers)
	require.Eventually(t, peerSize(ps.last(), 80, 24), 2*time.Second, 10*time.Millisecond)
}

func TestTransportExitEndsSession(t *testing.T) {
	r, ps, reg := newRegistry(t)
	v := attach(t, r, "work", "a", 80, 24)
	nextSnapshot(t, v)

	ps.last().Exit("server exited")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var closed Event
	for {
		ev, err := v.Next(ctx)
		require.NoError(t, err)
		if ev.Kind == EventClosed {
			closed = ev
			break
		}
	}
	assert.ErrorIs(t, closed.Err, tmux.ErrTransportClosed)
	_, err := v.Next(ctx)
	assert.ErrorIs(t, err, ErrViewerClosed)

	require.Eventually(t, func() bool { return len(r.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, r.Detach("a"), ErrUnknownViewer)
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.ViewersActive))

	attach(t, r, "work", "b", 80, 24)
	assert.Equal(t, 2, ps.count())
}

func TestAttachReportsSpawnFailure(t *testing.T) {
	r, ps, reg := newRegistry(t)
	ps.fail = errors.New("exec: tmux: not found")

	_, err := r.Attach(context.Background(), "work", "a", 80, 24)
	assert.ErrorIs(t, err, monitor.ErrSpawn)
	assert.Empty(t, r.Sessions())
	assert.ErrorIs(t, r.Detach("a"), ErrUnknownViewer)
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.ViewersActive))
}

func TestAttachRejectsDuplicateViewer(t *testing.T) {
	r, _, _ := newRegistry(t)
	attach(t, r, "work", "a", 80, 24)
	_, err := r.Attach(context.Background(), "other", "a", 80, 24)
	assert.Error(t, err)

	v := attach(t, r, "work", "", 80, 24)
	assert.NotEmpty(t, v.ID())
	assert.Equal(t, "work", v.Session())
}

func TestRunCommand(t *testing.T) {
	r, ps, _ := newRegistry(t)
	attach(t, r, "work", "a", 80, 24)

	reply, err := r.RunCommand(context.Background(), "work", "display-message hi")
	require.NoError(t, err)
	assert.Equal(t, "display-message hi", reply.Command)
	ps.last().WaitCommand(t, "display-message hi")

	for _, cmd := range []string{"resize-window -x 10 -y 5", "resizew -A", "refresh-client -C 10x10", "refresh -C10,10", "list-windows ; resize-window -x 1"} {
		_, err := r.RunCommand(context.Background(), "work", cmd)
		assert.ErrorIs(t, err, ErrResizeViaViewport, cmd)
	}

	_, err = r.RunCommand(context.Background(), "nope", "list-windows")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestResizeSessionIsClampedToViewers(t *testing.T) {
	r, ps, _ := newRegistry(t)
	attach(t, r, "work", "a", 100, 30)
	peer := ps.last()
	require.Eventually(t, peerSize(peer, 100, 30), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.ResizeSession(context.Background(), "work", 50, 20))
	require.Eventually(t, peerSize(peer, 50, 20), 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.ResizeSession(context.Background(), "work", 500, 500))
	require.Eventually(t, peerSize(peer, 100, 30), 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, r.ResizeSession(context.Background(), "nope", 10, 10), ErrUnknownSession)
}

func TestCloseDetachesEverything(t *testing.T) {
	r, _, reg := newRegistry(t)
	v := attach(t, r, "one", "a", 80, 24)
	attach(t, r, "two", "b", 80, 24)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	assert.Empty(t, r.Sessions())
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.MonitorsActive))
	_, err := r.Attach(ctx, "one", "c", 80, 24)
	assert.ErrorIs(t, err, ErrClosed)

	var closed *Event
	for {
		ev, err := v.Next(ctx)
		if err != nil {
			assert.ErrorIs(t, err, ErrViewerClosed)
			break
		}
		if ev.Kind == EventClosed {
			closed = &ev
		}
	}
	require.NotNil(t, closed, "viewer was not told the session closed")
	assert.ErrorIs(t, closed.Err, ErrClosed)
	assert.Equal(t, "one", closed.Session)
}

func TestSessionsReportDroppedEvents(t *testing.T) {
	r, ps, _ := newRegistry(t)
	attach(t, r, "work", "slow", 80, 24)
	peer := ps.last()

	// The viewer never reads, so its small ring overflows.
	for i := 0; i < 20; i++ {
		peer.Output("%1", fmt.Sprintf("line %d\r\n", i))
	}
	require.Eventually(t, func() bool {
		info := r.Sessions()
		return len(info) == 1 && info[0].Dropped > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIsResizeCommand(t *testing.T) {
	assert.True(t, isResizeCommand("resize-window -x 1"))
	assert.True(t, isResizeCommand("refresh-client -C 80x24"))
	assert.False(t, isResizeCommand("refresh-client"))
	assert.False(t, isResizeCommand("resize-pane -Z"))
	assert.False(t, isResizeCommand(""))
}
