package state

import (
	"fmt"
	"slices"
	"strings"

	"github.com/agent-command/muxd/internal/tmux"
)

// Aggregator folds control-mode events into the state of one session. It
// is not safe for concurrent use; the monitor owns it from one goroutine.
type Aggregator struct {
	scrollback int
	st         *Snapshot
}

func NewAggregator(session string, scrollback int) *Aggregator {
	if scrollback <= 0 {
		scrollback = 2000
	}
	return &Aggregator{scrollback: scrollback, st: Empty(session)}
}

// Snapshot returns an immutable copy of the current state.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.st.Clone()
}

// Check runs the snapshot invariants against the current state.
func (a *Aggregator) Check() error {
	return a.st.Check()
}

// Replace swaps in a full state listing. Panes in s with nil Lines keep
// the content already held for them.
func (a *Aggregator) Replace(s *Snapshot) {
	next := s.Clone()
	if next.Panes == nil {
		next.Panes = map[string]*Pane{}
	}
	if next.SessionName == "" {
		next.SessionName = a.st.SessionName
	}
	for id, p := range next.Panes {
		if p.Lines == nil {
			if old, ok := a.st.Panes[id]; ok {
				p.Lines = old.Lines
			}
		}
		p.Lines = trimLines(p.Lines, a.scrollback)
	}
	next.Generation = a.st.Generation + 1
	next.normalize()
	a.st = next
}

// SetLines replaces the content of one pane, as captured from tmux. It
// reports false when the pane is not known.
func (a *Aggregator) SetLines(paneID string, lines []string) bool {
	p, ok := a.st.Panes[paneID]
	if !ok {
		return false
	}
	p.Lines = trimLines(append([]string(nil), lines...), a.scrollback)
	a.st.Generation++
	return true
}

// Apply folds one event. It reports whether the state changed. A non-nil
// error wraps ErrGeometryInconsistency and means the state should be
// resynchronised; the fold itself has still been applied where possible.
func (a *Aggregator) Apply(ev tmux.Event) (bool, error) {
	s := a.st
	changed := false
	var err error

	switch e := ev.(type) {
	case tmux.Output:
		p, ok := s.Panes[e.PaneID]
		if !ok {
			return false, nil
		}
		p.Lines = appendOutput(p.Lines, e.Data)
		p.Lines = trimLines(p.Lines, a.scrollback)
		changed = true

	case tmux.LayoutChange:
		changed, err = a.applyLayout(e.WindowID, e.Layout)

	case tmux.WindowAdd:
		if e.Unlinked || s.Window(e.WindowID) != nil {
			return false, nil
		}
		a.addWindow(e.WindowID)
		changed = true

	case tmux.WindowClose:
		if e.Unlinked {
			return false, nil
		}
		changed = a.removeWindow(e.WindowID)

	case tmux.WindowRenamed:
		if w := s.Window(e.WindowID); w != nil && w.Name != e.Name {
			w.Name = e.Name
			changed = true
		}

	case tmux.WindowPaneChanged:
		if w := s.Window(e.WindowID); w != nil && w.ActivePaneID != e.PaneID {
			w.ActivePaneID = e.PaneID
			changed = true
		}

	case tmux.SessionChanged:
		s.SessionID = e.SessionID
		if e.Name != "" {
			s.SessionName = e.Name
		}
		changed = true

	case tmux.SessionRenamed:
		if e.SessionID == "" || e.SessionID == s.SessionID {
			s.SessionName = e.Name
			changed = true
		}

	case tmux.SessionWindowChanged:
		if s.SessionID != "" && e.SessionID != s.SessionID {
			return false, nil
		}
		if s.Window(e.WindowID) == nil {
			a.addWindow(e.WindowID)
		}
		if s.ActiveWindowID != e.WindowID {
			s.ActiveWindowID = e.WindowID
			changed = true
		}

	case tmux.Pause:
		if p, ok := s.Panes[e.PaneID]; ok && !p.Paused {
			p.Paused = true
			changed = true
		}

	case tmux.Continue:
		if p, ok := s.Panes[e.PaneID]; ok && p.Paused {
			p.Paused = false
			changed = true
		}
	}

	if !changed {
		return false, err
	}
	s.Generation++
	s.normalize()
	if cerr := s.Check(); cerr != nil && err == nil {
		err = cerr
	}
	return true, err
}

// Fold applies events to a copy of initial and returns the result.
// Errors are ignored; the caller is expected to resynchronise.
func Fold(initial *Snapshot, events []tmux.Event, scrollback int) *Snapshot {
	a := NewAggregator(initial.SessionName, scrollback)
	a.st = initial.Clone()
	if a.st.Panes == nil {
		a.st.Panes = map[string]*Pane{}
	}
	for _, ev := range events {
		_, _ = a.Apply(ev)
	}
	return a.Snapshot()
}

func (a *Aggregator) applyLayout(windowID, layout string) (bool, error) {
	l, err := tmux.ParseLayout(layout)
	if err != nil {
		return false, fmt.Errorf("%w: window %s: %w", ErrGeometryInconsistency, windowID, err)
	}
	s := a.st
	if s.Window(windowID) == nil {
		a.addWindow(windowID)
	}

	geoms := l.Panes()
	ids := make([]string, 0, len(geoms))
	for i, g := range geoms {
		p, ok := s.Panes[g.PaneID]
		if !ok {
			p = &Pane{ID: g.PaneID}
			s.Panes[g.PaneID] = p
		} else if p.WindowID != "" && p.WindowID != windowID {
			// Moved from another window (join-pane, break-pane).
			if other := s.Window(p.WindowID); other != nil {
				other.PaneIDs = slices.DeleteFunc(other.PaneIDs, func(id string) bool { return id == g.PaneID })
			}
		}
		p.WindowID = windowID
		p.Index = i
		p.X, p.Y, p.Width, p.Height = g.X, g.Y, g.Width, g.Height
		ids = append(ids, g.PaneID)
	}

	w := s.Window(windowID)
	for _, old := range w.PaneIDs {
		if slices.Contains(ids, old) {
			continue
		}
		if p, ok := s.Panes[old]; ok && p.WindowID == windowID {
			delete(s.Panes, old)
		}
	}
	w.PaneIDs = ids
	w.Layout = layout
	w.Width, w.Height = l.Size()
	return true, nil
}

func (a *Aggregator) addWindow(id string) {
	index := 0
	for _, w := range a.st.Windows {
		if w.Index >= index {
			index = w.Index + 1
		}
	}
	a.st.Windows = append(a.st.Windows, Window{ID: id, Index: index})
}

func (a *Aggregator) removeWindow(id string) bool {
	s := a.st
	i := slices.IndexFunc(s.Windows, func(w Window) bool { return w.ID == id })
	if i < 0 {
		return false
	}
	for _, pid := range s.Windows[i].PaneIDs {
		if p, ok := s.Panes[pid]; ok && p.WindowID == id {
			delete(s.Panes, pid)
		}
	}
	s.Windows = slices.Delete(s.Windows, i, i+1)
	if s.ActiveWindowID == id {
		s.ActiveWindowID = ""
	}
	return true
}

// appendOutput adds raw pane output to the line buffer. The last element
// is the line still being written.
func appendOutput(lines []string, data []byte) []string {
	if len(lines) == 0 {
		lines = append(lines, "")
	}
	text := string(data)
	for {
		head, tail, found := strings.Cut(text, "\n")
		if !found {
			lines[len(lines)-1] += head
			return lines
		}
		lines[len(lines)-1] = strings.TrimSuffix(lines[len(lines)-1]+head, "\r")
		lines = append(lines, "")
		text = tail
	}
}

func trimLines(lines []string, limit int) []string {
	if len(lines) <= limit {
		return lines
	}
	n := copy(lines, lines[len(lines)-limit:])
	clear(lines[n:])
	return lines[:n]
}
