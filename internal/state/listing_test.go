package state

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/muxd/internal/tmux"
)

func TestListingCommandsEncodeAsOneLine(t *testing.T) {
	line, err := tmux.EncodeCommand(ListingCommands()...)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(line), "\n"))
	assert.Contains(t, string(line), "list-panes -s -F '")
	assert.Contains(t, string(line), " ; ")
}

func TestParseListing(t *testing.T) {
	lines := []string{
		"S,$3,@5,dev box",
		"W,@4,0,0," + layout("80x24,0,0,7") + " shell",
		"W,@5,1,1," + layout("80x24,0,0{40x24,0,0,8,39x24,41,0,9}") + " vim, tests",
		"P,%7,@4,0,0,0,80,24,2,3,1,0,,bash,host",
		"P,%9,@5,1,41,0,39,24,0,0,1,1,copy-mode,go,title, with comma",
		"P,%8,@5,0,0,0,40,24,5,6,0,0,,vim,",
		"L,[dev box]",
		"R,12:00",
		"unexpected trailing noise",
	}

	s, err := ParseListing("dev", lines)
	require.NoError(t, err)
	require.NoError(t, s.Check())

	assert.Equal(t, "$3", s.SessionID)
	assert.Equal(t, "dev box", s.SessionName)
	assert.Equal(t, "@5", s.ActiveWindowID)
	assert.Equal(t, "%9", s.ActivePaneID)
	assert.Equal(t, 80, s.Width)
	assert.Equal(t, 24, s.Height)

	require.Len(t, s.Windows, 2)
	assert.Equal(t, "shell", s.Windows[0].Name)
	assert.Equal(t, "vim, tests", s.Windows[1].Name)
	assert.Equal(t, []string{"%8", "%9"}, s.Windows[1].PaneIDs)

	p := s.Panes["%9"]
	require.NotNil(t, p)
	assert.Equal(t, "title, with comma", p.Title)
	assert.Equal(t, "copy-mode", p.Mode)
	assert.True(t, p.InMode)
	assert.Equal(t, "go", p.Command)
	assert.Nil(t, p.Lines)
	assert.Equal(t, 5, s.Panes["%8"].CursorX)
	assert.Equal(t, 6, s.Panes["%8"].CursorY)

	assert.Equal(t, "[dev box] 0:shell 1:vim, tests* 12:00", s.StatusLine)
}

func TestParseListingRejectsMalformed(t *testing.T) {
	_, err := ParseListing("dev", []string{"W,@1,x,1," + layout("80x24,0,0,1") + " a"})
	assert.Error(t, err)

	_, err = ParseListing("dev", []string{"W,@1,0,1,0000,80x24,0,0,1 a"})
	assert.ErrorIs(t, err, tmux.ErrLayoutChecksum)

	_, err = ParseListing("dev", []string{"P,%1,@1,0,0"})
	assert.Error(t, err)
}

func TestParseListingDropsOrphanPanes(t *testing.T) {
	s, err := ParseListing("dev", []string{
		"W,@1,0,1," + layout("80x24,0,0,1") + " a",
		"P,%1,@1,0,0,0,80,24,0,0,1,0,,sh,",
		"P,%2,@9,0,0,0,80,24,0,0,1,0,,sh,",
	})
	require.NoError(t, err)
	assert.NotContains(t, s.Panes, "%2")
	assert.NoError(t, s.Check())
}

func TestCaptureCommand(t *testing.T) {
	assert.Equal(t, "capture-pane -p -e -J -t %3 -S -500", CaptureCommand("%3", 500))
}
