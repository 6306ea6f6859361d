package tmux

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/agent-command/muxd/internal/config"
	"github.com/agent-command/muxd/internal/logx"
)

// Spawn starts a control client attached to session and returns the
// connection that owns it. In pty mode the client runs as tmux -CC under
// a pseudo-terminal sized cols x rows; otherwise it runs as tmux -C over
// pipes and stderr is logged.
func (c *Client) Spawn(session string, cols, rows int, opts ConnOptions) (*Conn, error) {
	cmd := exec.Command(c.cfg.Bin, c.ControlArgs(session)...)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"LANG=en_US.UTF-8",
		"LC_CTYPE=en_US.UTF-8",
	)
	log := logx.WithSession(opts.Logger, session)
	opts.Logger = log

	if c.cfg.Mode == config.ModePTY {
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
		if err != nil {
			return nil, fmt.Errorf("failed to start tmux control client with PTY: %w", err)
		}
		log.Info("tmux control client started", "pid", cmd.Process.Pid, "mode", config.ModePTY)
		proc := &ptyProcess{cmd: cmd, ptmx: ptmx}
		return NewConn(ptmx, ptyInput{ptmx}, proc, opts), nil
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open tmux stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open tmux stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open tmux stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tmux control client: %w", err)
	}
	log.Info("tmux control client started", "pid", cmd.Process.Pid, "mode", config.ModePipe)

	proc := &pipeProcess{cmd: cmd, stderrDone: make(chan struct{})}
	go func() {
		defer close(proc.stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Warn("tmux stderr", "stderr", scanner.Text())
		}
	}()
	return NewConn(stdout, stdin, proc, opts), nil
}

type pipeProcess struct {
	cmd        *exec.Cmd
	stderrDone chan struct{}
}

func (p *pipeProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *pipeProcess) Wait() error {
	<-p.stderrDone
	return p.cmd.Wait()
}

type ptyProcess struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	closeOnce sync.Once
}

func (p *ptyProcess) Kill() error {
	err := p.cmd.Process.Kill()
	p.closePTY()
	return err
}

func (p *ptyProcess) Wait() error {
	err := p.cmd.Wait()
	p.closePTY()
	return err
}

func (p *ptyProcess) closePTY() {
	p.closeOnce.Do(func() { _ = p.ptmx.Close() })
}

// ptyInput writes to the pty master but leaves closing it to the process,
// since the same descriptor carries output.
type ptyInput struct {
	io.Writer
}

func (ptyInput) Close() error { return nil }
