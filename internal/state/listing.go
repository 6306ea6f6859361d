package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agent-command/muxd/internal/tmux"
)

// Listing formats. Each line carries a tag so the combined reply of all
// listing commands can be told apart. Free-text fields come last.
const (
	sessionFormat     = "S,#{session_id},#{window_id},#{session_name}"
	windowFormat      = "W,#{window_id},#{window_index},#{window_active},#{window_layout} #{window_name}"
	paneFormat        = "P,#{pane_id},#{window_id},#{pane_index},#{pane_left},#{pane_top},#{pane_width},#{pane_height},#{cursor_x},#{cursor_y},#{pane_active},#{pane_in_mode},#{pane_mode},#{pane_current_command},#{pane_title}"
	statusLeftFormat  = "L,#{T:status-left}"
	statusRightFormat = "R,#{T:status-right}"
)

// ListingCommands returns the steps of one resync command. Sent as a
// single line they produce a single reply block for ParseListing.
func ListingCommands() []string {
	return []string{
		"display-message -p " + tmux.QuoteArg(sessionFormat),
		"list-windows -F " + tmux.QuoteArg(windowFormat),
		"list-panes -s -F " + tmux.QuoteArg(paneFormat),
		"display-message -p " + tmux.QuoteArg(statusLeftFormat),
		"display-message -p " + tmux.QuoteArg(statusRightFormat),
	}
}

// CaptureCommand returns the command that captures a pane's history and
// visible rows with escape sequences preserved.
func CaptureCommand(paneID string, scrollback int) string {
	return fmt.Sprintf("capture-pane -p -e -J -t %s -S -%d", paneID, scrollback)
}

// ParseListing builds a snapshot from the reply to ListingCommands. Pane
// content is left nil so that Replace keeps what is already known.
func ParseListing(session string, lines []string) (*Snapshot, error) {
	s := Empty(session)
	activePane := map[string]string{}

	for _, line := range lines {
		tag, rest, ok := strings.Cut(line, ",")
		if !ok {
			continue
		}
		switch tag {
		case "S":
			f := strings.SplitN(rest, ",", 3)
			if len(f) != 3 {
				return nil, fmt.Errorf("session line %q: expected 3 fields", line)
			}
			s.SessionID, s.ActiveWindowID, s.SessionName = f[0], f[1], f[2]

		case "W":
			f := strings.SplitN(rest, ",", 4)
			if len(f) != 4 {
				return nil, fmt.Errorf("window line %q: expected 4 fields", line)
			}
			layout, name, _ := strings.Cut(f[3], " ")
			l, err := tmux.ParseLayout(layout)
			if err != nil {
				return nil, fmt.Errorf("window %s: %w", f[0], err)
			}
			index, err := strconv.Atoi(f[1])
			if err != nil {
				return nil, fmt.Errorf("window %s index %q: %w", f[0], f[1], err)
			}
			w := Window{ID: f[0], Index: index, Name: name, Layout: layout}
			w.Width, w.Height = l.Size()
			if f[2] == "1" && s.ActiveWindowID == "" {
				s.ActiveWindowID = w.ID
			}
			s.Windows = append(s.Windows, w)

		case "P":
			f := strings.SplitN(rest, ",", 14)
			if len(f) != 14 {
				return nil, fmt.Errorf("pane line %q: expected 14 fields", line)
			}
			nums, err := atois(f[2:9])
			if err != nil {
				return nil, fmt.Errorf("pane %s: %w", f[0], err)
			}
			p := &Pane{
				ID:       f[0],
				WindowID: f[1],
				Index:    nums[0],
				X:        nums[1],
				Y:        nums[2],
				Width:    nums[3],
				Height:   nums[4],
				CursorX:  nums[5],
				CursorY:  nums[6],
				InMode:   f[10] == "1",
				Mode:     f[11],
				Command:  f[12],
				Title:    f[13],
			}
			if f[9] == "1" {
				activePane[p.WindowID] = p.ID
			}
			s.Panes[p.ID] = p

		case "L":
			s.StatusLeft = rest
		case "R":
			s.StatusRight = rest
		}
	}

	// Window pane order follows pane_index.
	byWindow := map[string][]*Pane{}
	for _, p := range s.Panes {
		byWindow[p.WindowID] = append(byWindow[p.WindowID], p)
	}
	for i := range s.Windows {
		w := &s.Windows[i]
		panes := byWindow[w.ID]
		sort.Slice(panes, func(a, b int) bool { return panes[a].Index < panes[b].Index })
		for _, p := range panes {
			w.PaneIDs = append(w.PaneIDs, p.ID)
		}
		w.ActivePaneID = activePane[w.ID]
		delete(byWindow, w.ID)
	}
	// Panes of windows not in the listing cannot be placed.
	for _, panes := range byWindow {
		for _, p := range panes {
			delete(s.Panes, p.ID)
		}
	}

	s.normalize()
	return s, nil
}

func atois(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("field %d %q: %w", i, f, err)
		}
		out[i] = n
	}
	return out, nil
}
