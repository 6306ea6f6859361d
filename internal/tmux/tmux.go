package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/agent-command/muxd/internal/config"
)

type Client struct {
	cfg *config.TmuxConfig
}

func NewClient(cfg *config.TmuxConfig) *Client {
	return &Client{cfg: cfg}
}

// ControlArgs builds the argument list that starts a control client for
// session. The -CC form is used in pty mode.
func (c *Client) ControlArgs(session string) []string {
	var args []string
	if c.cfg.Socket != "" {
		args = append(args, "-S", c.cfg.Socket)
	}
	if c.cfg.Mode == config.ModePTY {
		args = append(args, "-CC")
	} else {
		args = append(args, "-C")
	}
	if c.cfg.CreateSession {
		args = append(args, "new-session", "-A", "-s", session)
	} else {
		args = append(args, "attach-session", "-t", session)
	}
	return args
}

// Version reports the tmux version. It runs "tmux -V", which does not
// contact the server, so it is safe while a control client is attached.
func (c *Client) Version(ctx context.Context) (Version, error) {
	if c.cfg.Version != "" {
		return ParseVersion(c.cfg.Version)
	}
	output, err := exec.CommandContext(ctx, c.cfg.Bin, "-V").Output()
	if err != nil {
		return Version{}, fmt.Errorf("failed to run %s -V: %w", c.cfg.Bin, err)
	}
	return ParseVersion(strings.TrimSpace(string(output)))
}

// Version is a tmux release such as 3.5a. Development builds ("master",
// "next-3.6") parse with Dev set and sort after every release of their
// base version.
type Version struct {
	Major  int
	Minor  int
	Suffix string
	Dev    bool
	Raw    string
}

func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	s = strings.TrimPrefix(raw, "tmux ")
	v := Version{Raw: s}
	if s == "master" {
		v.Major, v.Dev = 999, true
		return v, nil
	}
	if rest, ok := strings.CutPrefix(s, "next-"); ok {
		s, v.Dev = rest, true
	}
	s, _, _ = strings.Cut(s, "-")

	major, rest, ok := strings.Cut(s, ".")
	if !ok {
		return Version{}, fmt.Errorf("unrecognised tmux version %q", raw)
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return Version{}, fmt.Errorf("unrecognised tmux version %q", raw)
	}
	v.Major = n

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i == 0 {
		return Version{}, fmt.Errorf("unrecognised tmux version %q", raw)
	}
	v.Minor, _ = strconv.Atoi(rest[:i])
	v.Suffix = rest[i:]
	return v, nil
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	case v.Suffix != o.Suffix:
		return strings.Compare(v.Suffix, o.Suffix)
	case v.Dev != o.Dev:
		if v.Dev {
			return 1
		}
		return -1
	}
	return 0
}

func (v Version) String() string {
	if v.Raw != "" {
		return v.Raw
	}
	return fmt.Sprintf("%d.%d%s", v.Major, v.Minor, v.Suffix)
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	return 1
}
