package state

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

var ErrGeometryInconsistency = errors.New("state: geometry inconsistency")

type Pane struct {
	ID       string   `json:"id"`
	WindowID string   `json:"window_id"`
	Index    int      `json:"index"`
	X        int      `json:"x"`
	Y        int      `json:"y"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	CursorX  int      `json:"cursor_x"`
	CursorY  int      `json:"cursor_y"`
	Active   bool     `json:"active"`
	InMode   bool     `json:"in_mode"`
	Mode     string   `json:"mode,omitempty"`
	Paused   bool     `json:"paused,omitempty"`
	Title    string   `json:"title,omitempty"`
	Command  string   `json:"command,omitempty"`
	Lines    []string `json:"lines"`
}

type Window struct {
	ID           string   `json:"id"`
	Index        int      `json:"index"`
	Name         string   `json:"name"`
	Layout       string   `json:"layout"`
	PaneIDs      []string `json:"pane_ids"`
	ActivePaneID string   `json:"active_pane_id,omitempty"`
	Active       bool     `json:"active"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
}

// Snapshot is a complete, self-contained view of one session. Values
// handed out by the aggregator are never modified afterwards.
type Snapshot struct {
	SessionID      string           `json:"session_id,omitempty"`
	SessionName    string           `json:"session_name"`
	ActiveWindowID string           `json:"active_window_id,omitempty"`
	ActivePaneID   string           `json:"active_pane_id,omitempty"`
	Windows        []Window         `json:"windows"`
	Panes          map[string]*Pane `json:"panes"`
	Width          int              `json:"width"`
	Height         int              `json:"height"`
	StatusLeft     string           `json:"-"`
	StatusRight    string           `json:"-"`
	StatusLine     string           `json:"status_line"`
	// Generation counts the updates folded into this snapshot.
	Generation uint64 `json:"generation"`
}

// Empty returns a snapshot for session with no windows.
func Empty(session string) *Snapshot {
	return &Snapshot{SessionName: session, Panes: map[string]*Pane{}}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Windows = make([]Window, len(s.Windows))
	for i, w := range s.Windows {
		w.PaneIDs = append([]string(nil), w.PaneIDs...)
		out.Windows[i] = w
	}
	out.Panes = make(map[string]*Pane, len(s.Panes))
	for id, p := range s.Panes {
		cp := *p
		if p.Lines != nil {
			cp.Lines = append(make([]string, 0, len(p.Lines)), p.Lines...)
		}
		out.Panes[id] = &cp
	}
	return &out
}

// Window returns the window with id, or nil.
func (s *Snapshot) Window(id string) *Window {
	for i := range s.Windows {
		if s.Windows[i].ID == id {
			return &s.Windows[i]
		}
	}
	return nil
}

// Size reports the session's working size: the active window's layout size.
func (s *Snapshot) Size() (int, int) {
	return s.Width, s.Height
}

// Check verifies that every referenced pane exists, that each pane belongs
// to exactly one window, that panes fit inside their window and that the
// session size matches the active window.
func (s *Snapshot) Check() error {
	owner := make(map[string]string, len(s.Panes))
	for _, w := range s.Windows {
		for _, id := range w.PaneIDs {
			p, ok := s.Panes[id]
			if !ok {
				return fmt.Errorf("%w: window %s references missing pane %s", ErrGeometryInconsistency, w.ID, id)
			}
			if prev, dup := owner[id]; dup {
				return fmt.Errorf("%w: pane %s in windows %s and %s", ErrGeometryInconsistency, id, prev, w.ID)
			}
			owner[id] = w.ID
			if p.WindowID != w.ID {
				return fmt.Errorf("%w: pane %s claims window %s but is listed in %s", ErrGeometryInconsistency, id, p.WindowID, w.ID)
			}
			if w.Width > 0 && (p.X+p.Width > w.Width || p.Y+p.Height > w.Height) {
				return fmt.Errorf("%w: pane %s exceeds window %s bounds", ErrGeometryInconsistency, id, w.ID)
			}
		}
	}
	for id := range s.Panes {
		if _, ok := owner[id]; !ok {
			return fmt.Errorf("%w: pane %s belongs to no window", ErrGeometryInconsistency, id)
		}
	}
	if s.ActiveWindowID != "" {
		w := s.Window(s.ActiveWindowID)
		if w == nil {
			return fmt.Errorf("%w: active window %s missing", ErrGeometryInconsistency, s.ActiveWindowID)
		}
		if w.Width != s.Width || w.Height != s.Height {
			return fmt.Errorf("%w: session size %dx%d differs from window %s %dx%d",
				ErrGeometryInconsistency, s.Width, s.Height, w.ID, w.Width, w.Height)
		}
	}
	return nil
}

// normalize recomputes derived fields: window order, active flags,
// session size and status line.
func (s *Snapshot) normalize() {
	sort.SliceStable(s.Windows, func(i, j int) bool {
		return s.Windows[i].Index < s.Windows[j].Index
	})

	if s.ActiveWindowID != "" && s.Window(s.ActiveWindowID) == nil {
		s.ActiveWindowID = ""
	}
	if s.ActiveWindowID == "" && len(s.Windows) > 0 {
		s.ActiveWindowID = s.Windows[0].ID
	}

	s.ActivePaneID = ""
	s.Width, s.Height = 0, 0
	for i := range s.Windows {
		w := &s.Windows[i]
		w.Active = w.ID == s.ActiveWindowID
		if w.ActivePaneID != "" && !slices.Contains(w.PaneIDs, w.ActivePaneID) {
			w.ActivePaneID = ""
		}
		if w.ActivePaneID == "" && len(w.PaneIDs) > 0 {
			w.ActivePaneID = w.PaneIDs[0]
		}
		for _, id := range w.PaneIDs {
			if p, ok := s.Panes[id]; ok {
				p.Active = id == w.ActivePaneID
			}
		}
		if w.Active {
			s.ActivePaneID = w.ActivePaneID
			s.Width, s.Height = w.Width, w.Height
		}
	}
	s.StatusLine = s.statusLine()
}

func (s *Snapshot) statusLine() string {
	var b strings.Builder
	b.WriteString(s.StatusLeft)
	for i, w := range s.Windows {
		if i > 0 || s.StatusLeft != "" {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(w.Index))
		b.WriteByte(':')
		b.WriteString(w.Name)
		if w.Active {
			b.WriteByte('*')
		}
	}
	if s.StatusRight != "" {
		b.WriteByte(' ')
		b.WriteString(s.StatusRight)
	}
	return b.String()
}
