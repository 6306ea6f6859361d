package tmux

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/muxd/internal/config"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("tmux 3.5a\n")
	require.NoError(t, err)
	assert.Equal(t, 3, v.Major)
	assert.Equal(t, 5, v.Minor)
	assert.Equal(t, "a", v.Suffix)
	assert.Equal(t, "3.5a", v.String())

	v, err = ParseVersion("tmux next-3.6")
	require.NoError(t, err)
	assert.True(t, v.Dev)
	assert.Equal(t, 6, v.Minor)

	v, err = ParseVersion("3.4-rc")
	require.NoError(t, err)
	assert.Equal(t, "", v.Suffix)

	_, err = ParseVersion("tmux banana")
	assert.Error(t, err)
}

func TestVersionCompare(t *testing.T) {
	mustParse := func(s string) Version {
		v, err := ParseVersion(s)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, -1, mustParse("3.4").Compare(mustParse("3.5")))
	assert.Equal(t, -1, mustParse("3.5").Compare(mustParse("3.5a")))
	assert.Equal(t, 1, mustParse("3.10").Compare(mustParse("3.9")))
	assert.Equal(t, 0, mustParse("tmux 3.5a").Compare(mustParse("3.5a")))
	assert.Equal(t, 1, mustParse("next-3.5").Compare(mustParse("3.5")))
	assert.Equal(t, 1, mustParse("master").Compare(mustParse("3.5a")))
}

func TestControlArgs(t *testing.T) {
	c := NewClient(&config.TmuxConfig{Bin: "tmux", Socket: "/tmp/s", Mode: config.ModePipe})
	assert.Equal(t, []string{"-S", "/tmp/s", "-C", "attach-session", "-t", "work"}, c.ControlArgs("work"))

	c = NewClient(&config.TmuxConfig{Bin: "tmux", Mode: config.ModePTY, CreateSession: true})
	assert.Equal(t, []string{"-CC", "new-session", "-A", "-s", "work"}, c.ControlArgs("work"))
}

func TestVersionOverride(t *testing.T) {
	c := NewClient(&config.TmuxConfig{Bin: "/nonexistent/tmux", Version: "3.3a"})
	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.3a", v.String())
}
