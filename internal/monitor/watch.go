package monitor

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/agent-command/muxd/internal/logx"
)

// TableWatcher keeps a workaround table in sync with its file. Monitors
// take the table current at their start; running monitors keep theirs.
type TableWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	log      pslog.Logger
	debounce time.Duration
	table    atomic.Pointer[Table]
	reloaded chan struct{}
	done     chan struct{}
	once     sync.Once
}

// WatchTable loads the table at path and reloads it whenever the file is
// written. A reload that fails to parse keeps the previous table.
func WatchTable(path string, log pslog.Logger) (*TableWatcher, error) {
	t, err := LoadTable(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so that editors replacing the file are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	tw := &TableWatcher{
		watcher:  w,
		path:     path,
		log:      logx.OrDiscard(log).With("path", path),
		debounce: 100 * time.Millisecond,
		reloaded: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	tw.table.Store(t)
	go tw.loop()
	return tw, nil
}

func (w *TableWatcher) Current() *Table {
	return w.table.Load()
}

// Reloaded receives a signal after each reload attempt.
func (w *TableWatcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

func (w *TableWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *TableWatcher) loop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("workaround table watch error", "err", err)
		}
	}
}

func (w *TableWatcher) reload() {
	defer func() {
		select {
		case w.reloaded <- struct{}{}:
		default:
		}
	}()
	t, err := LoadTable(w.path)
	if err != nil {
		w.log.Warn("workaround table reload failed, keeping previous", "err", err)
		return
	}
	w.table.Store(t)
	w.log.Info("workaround table reloaded", "rules", len(t.Rules))
}
