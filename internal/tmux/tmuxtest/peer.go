// Package tmuxtest provides a scripted tmux control-mode server for tests.
package tmuxtest

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-command/muxd/internal/tmux"
)

var (
	sizeRE   = regexp.MustCompile(`^refresh-client -C (\d+)[x,](\d+)$`)
	targetRE = regexp.MustCompile(`-t (\S+)`)
)

// Peer models one session holding a single window @1 with one pane %1.
// It answers the listing, capture and resize commands a monitor sends and
// succeeds every other command without output.
type Peer struct {
	mu       sync.Mutex
	session  string
	cols     int
	rows     int
	number   int
	exited   bool
	failing  map[string]string
	failNext []oneShot
	around   []oneShot
	crashOn  []string
	captures map[string][]string
	commands chan string

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

// oneShot applies to the next command line starting with prefix.
type oneShot struct {
	prefix  string
	message string
	before  []string
	after   []string
}

// ListingPrefix starts the command line a monitor sends to list the session.
const ListingPrefix = "display-message -p 'S,"

func NewPeer(session string, cols, rows int) *Peer {
	p := &Peer{
		session:  session,
		cols:     cols,
		rows:     rows,
		failing:  map[string]string{},
		captures: map[string][]string{},
		commands: make(chan string, 1024),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

// Conn starts the peer and returns a connection to it.
func (p *Peer) Conn(opts tmux.ConnOptions) *tmux.Conn {
	go p.serve()
	return tmux.NewConn(p.stdoutR, p.stdinW, nil, opts)
}

// Layout returns the checksummed layout of a single-pane window.
func Layout(cols, rows int) string {
	body := fmt.Sprintf("%dx%d,0,0,1", cols, rows)
	return fmt.Sprintf("%04x,%s", tmux.LayoutChecksum(body), body)
}

func (p *Peer) Size() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

// SetCapture sets what capture-pane returns for paneID.
func (p *Peer) SetCapture(paneID string, lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures[paneID] = lines
}

// Fail makes commands whose first word is name answer with %error.
func (p *Peer) Fail(name, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[name] = message
}

// FailNext makes the next command line starting with prefix answer with
// %error. Later ones are answered normally.
func (p *Peer) FailNext(prefix, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = append(p.failNext, oneShot{prefix: prefix, message: message})
}

// Around writes before ahead of the reply to the next command line
// starting with prefix, and after right behind it, as tmux does when
// notifications race a reply.
func (p *Peer) Around(prefix string, before, after []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.around = append(p.around, oneShot{prefix: prefix, before: before, after: after})
}

// CrashOn makes the peer exit when it receives a command line starting
// with prefix, as a tmux server crash would.
func (p *Peer) CrashOn(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crashOn = append(p.crashOn, prefix)
}

// Notify writes raw notification lines.
func (p *Peer) Notify(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLocked(lines...)
}

// Output writes text as %output for paneID.
func (p *Peer) Output(paneID, text string) {
	p.Notify("%output " + paneID + " " + tmux.Escape([]byte(text)))
}

// Exit ends the session: %exit followed by end of stream.
func (p *Peer) Exit(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked(reason)
}

// Commands receives every command line the peer was sent.
func (p *Peer) Commands() <-chan string { return p.commands }

// WaitCommand returns the next command starting with prefix, skipping
// others, and fails the test if none arrives within two seconds.
func (p *Peer) WaitCommand(t testing.TB, prefix string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cmd := <-p.commands:
			if strings.HasPrefix(cmd, prefix) {
				return cmd
			}
		case <-deadline:
			t.Fatalf("no command with prefix %q", prefix)
			return ""
		}
	}
}

func (p *Peer) serve() {
	p.Notify("%begin 1700000000 0 0", "%end 1700000000 0 0")
	p.Notify("%session-changed $1 " + p.session)

	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		if p.exited {
			p.mu.Unlock()
			continue
		}
		if line == "" {
			p.exitLocked("")
			p.mu.Unlock()
			continue
		}
		select {
		case p.commands <- line:
		default:
		}
		p.handleLocked(line)
		p.mu.Unlock()
	}
}

func (p *Peer) handleLocked(line string) {
	for _, prefix := range p.crashOn {
		if strings.HasPrefix(line, prefix) {
			p.exitLocked("server exited unexpectedly")
			return
		}
	}

	var out []string
	failure := ""
	resized := false
	if shot, ok := take(&p.failNext, line); ok {
		failure = shot.message
	}
	around, _ := take(&p.around, line)
	p.writeLocked(around.before...)
	defer p.writeLocked(around.after...)
	for _, step := range strings.Split(line, " ; ") {
		switch {
		case strings.HasPrefix(step, "display-message -p 'S,"):
			out = append(out, fmt.Sprintf("S,$1,@1,%s", p.session))
		case strings.HasPrefix(step, "list-windows"):
			out = append(out, "W,@1,0,1,"+Layout(p.cols, p.rows)+" shell")
		case strings.HasPrefix(step, "list-panes"):
			out = append(out, fmt.Sprintf("P,%%1,@1,0,0,0,%d,%d,0,0,1,0,,bash,peer", p.cols, p.rows))
		case strings.HasPrefix(step, "display-message -p 'L,"):
			out = append(out, "L,["+p.session+"]")
		case strings.HasPrefix(step, "display-message -p 'R,"):
			out = append(out, "R,peer")
		case strings.HasPrefix(step, "capture-pane"):
			target := "%1"
			if m := targetRE.FindStringSubmatch(step); m != nil {
				target = m[1]
			}
			out = append(out, p.captures[target]...)
		case sizeRE.MatchString(step):
			m := sizeRE.FindStringSubmatch(step)
			p.cols, _ = strconv.Atoi(m[1])
			p.rows, _ = strconv.Atoi(m[2])
			resized = true
		default:
			name, _, _ := strings.Cut(step, " ")
			if msg, ok := p.failing[name]; ok {
				failure = msg
			}
		}
	}

	p.number++
	begin := fmt.Sprintf("%%begin 1700000000 %d 1", p.number)
	if failure != "" {
		p.writeLocked(begin, failure, fmt.Sprintf("%%error 1700000000 %d 1", p.number))
		return
	}
	p.writeLocked(begin)
	p.writeLocked(out...)
	p.writeLocked(fmt.Sprintf("%%end 1700000000 %d 1", p.number))
	if resized {
		l := Layout(p.cols, p.rows)
		p.writeLocked(fmt.Sprintf("%%layout-change @1 %s %s *", l, l))
	}
}

func take(shots *[]oneShot, line string) (oneShot, bool) {
	for i, shot := range *shots {
		if strings.HasPrefix(line, shot.prefix) {
			*shots = append((*shots)[:i], (*shots)[i+1:]...)
			return shot, true
		}
	}
	return oneShot{}, false
}

func (p *Peer) exitLocked(reason string) {
	if p.exited {
		return
	}
	p.exited = true
	if reason != "" {
		p.writeLocked("%exit " + reason)
	} else {
		p.writeLocked("%exit")
	}
	_ = p.stdoutW.Close()
}

func (p *Peer) writeLocked(lines ...string) {
	for _, line := range lines {
		_, _ = io.WriteString(p.stdoutW, line+"\n")
	}
}
