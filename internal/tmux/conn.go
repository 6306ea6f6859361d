package tmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"pkt.systems/pslog"

	"github.com/agent-command/muxd/internal/logx"
)

var (
	ErrTransportClosed = errors.New("tmux: control transport closed")
	ErrCommandTimeout  = errors.New("tmux: command timed out")
	ErrCommandFailed   = errors.New("tmux: command failed")
	ErrQueueFull       = errors.New("tmux: command queue full")
)

// CommandError is returned when tmux answers a command with %error.
type CommandError struct {
	Seq     int64
	Command string
	Lines   []string
}

func (e *CommandError) Error() string {
	if len(e.Lines) == 0 {
		return fmt.Sprintf("tmux command %q failed", e.Command)
	}
	return fmt.Sprintf("tmux command %q failed: %s", e.Command, strings.Join(e.Lines, "; "))
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// Reply is the output of one successful command.
type Reply struct {
	Seq      int64
	Command  string
	Lines    []string
	Duration time.Duration
}

func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// CommandDone is emitted on the event stream at the point where the reply
// to command Seq ended. Notifications before it were sent by tmux before
// the reply finished; those after it were sent later.
type CommandDone struct {
	Seq    int64
	Failed bool
}

func (CommandDone) controlEvent() {}

// Process is the subprocess behind a connection.
type Process interface {
	Kill() error
	Wait() error
}

type ConnOptions struct {
	// CommandTimeout bounds the time from writing a command to the end of
	// its reply. Zero disables it.
	CommandTimeout time.Duration
	QueueSize      int
	// CloseGrace is how long Close waits for the client to exit on its own
	// before killing it.
	CloseGrace time.Duration
	// ReadyTimeout bounds the wait for the initial attach reply block.
	ReadyTimeout time.Duration
	EventBuffer  int
	Logger       pslog.Logger
}

// Pending is a command accepted by the connection. Wait blocks until its
// reply arrives or it fails.
type Pending struct {
	command   string
	line      []byte
	submitted time.Time

	// Owned by the write path until the command is written, then by the
	// read path.
	seq   int64
	lines []string
	timer *time.Timer

	begun chan struct{}
	done  chan struct{}
	once  sync.Once
	reply Reply
	err   error
}

func (p *Pending) Command() string { return p.command }

func (p *Pending) finish(reply Reply, err error) {
	p.once.Do(func() {
		p.reply = reply
		p.err = err
		close(p.done)
	})
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the reply is complete or ctx ends. Giving up on the
// wait does not withdraw the command; its reply is still consumed.
func (p *Pending) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Conn is one control-mode client. Its stdin is written by a single
// goroutine and each command waits for the previous reply to begin.
type Conn struct {
	opts ConnOptions
	log  pslog.Logger
	r    io.Reader
	w    io.WriteCloser
	proc Process

	events chan Event
	queue  chan *Pending

	ready     chan struct{}
	readyOnce sync.Once
	quit      chan struct{}
	quitOnce  sync.Once
	abandon   chan struct{}
	abandonMu sync.Once
	readDone  chan struct{}
	done      chan struct{}

	nextSeq atomic.Int64

	mu      sync.Mutex
	closed  bool
	err     error
	written []*Pending
	current *Pending
}

// NewConn starts the read and write loops over an already running client.
// proc may be nil when the streams are not backed by a process.
func NewConn(r io.Reader, w io.WriteCloser, proc Process, opts ConnOptions) *Conn {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 1024
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = 3 * time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	c := &Conn{
		opts:     opts,
		log:      logx.OrDiscard(opts.Logger),
		r:        r,
		w:        w,
		proc:     proc,
		events:   make(chan Event, opts.EventBuffer),
		queue:    make(chan *Pending, opts.QueueSize),
		ready:    make(chan struct{}),
		quit:     make(chan struct{}),
		abandon:  make(chan struct{}),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Events delivers notifications in the order tmux sent them. Reply
// framing is consumed by the connection; in its place a CommandDone marks
// where each command's reply ended relative to the notifications. The
// channel is closed after the final Exit event; callers must keep
// draining it until then.
func (c *Conn) Events() <-chan Event { return c.events }

// Ready is closed once the initial attach reply has been consumed.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done is closed when no further I/O is possible and the process is reaped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Enqueue encodes steps as one command line and queues it. It never
// blocks: a full queue is reported as ErrQueueFull.
func (c *Conn) Enqueue(steps ...string) (*Pending, error) {
	line, err := EncodeCommand(steps...)
	if err != nil {
		return nil, err
	}
	p := &Pending{
		command:   strings.TrimSuffix(string(line), "\n"),
		line:      line,
		submitted: time.Now(),
		begun:     make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrTransportClosed
	}
	select {
	case <-c.quit:
		return nil, ErrTransportClosed
	default:
	}
	select {
	case c.queue <- p:
		return p, nil
	default:
		return nil, ErrQueueFull
	}
}

// Submit queues a command and waits for its reply.
func (c *Conn) Submit(ctx context.Context, steps ...string) (Reply, error) {
	p, err := c.Enqueue(steps...)
	if err != nil {
		return Reply{}, err
	}
	return p.Wait(ctx)
}

// Close detaches the client, waits up to the grace period for it to exit
// and kills it otherwise. Pending commands fail with ErrTransportClosed.
func (c *Conn) Close() error {
	c.quitOnce.Do(func() { close(c.quit) })

	timer := time.NewTimer(c.opts.CloseGrace)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
	}

	c.log.Warn("control client did not exit in time, killing it", "grace", c.opts.CloseGrace)
	c.abandonMu.Do(func() { close(c.abandon) })
	if c.proc != nil {
		if err := c.proc.Kill(); err != nil {
			c.log.Warn("kill control client failed", "err", err)
		}
	}
	if closer, ok := c.r.(io.Closer); ok {
		_ = closer.Close()
	}
	<-c.done
	return nil
}

func (c *Conn) writeLoop() {
	defer c.closeInput()

	readyTimer := time.NewTimer(c.opts.ReadyTimeout)
	select {
	case <-c.ready:
	case <-readyTimer.C:
		c.log.Warn("no initial reply block from control client, proceeding")
		c.markReady()
	case <-c.quit:
		readyTimer.Stop()
		return
	case <-c.readDone:
		readyTimer.Stop()
		return
	}
	readyTimer.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-c.readDone:
			return
		case p := <-c.queue:
			if !c.write(p) {
				return
			}
		}
	}
}

// write transmits one command and waits for its reply to begin (or for
// the command to fail). It reports false when the loop should stop.
func (c *Conn) write(p *Pending) bool {
	p.seq = c.nextSeq.Add(1)
	if c.opts.CommandTimeout > 0 {
		p.timer = time.AfterFunc(c.opts.CommandTimeout, func() {
			c.log.Warn("tmux command timed out", "seq", p.seq, "command", p.command)
			p.finish(Reply{}, fmt.Errorf("%w: %s", ErrCommandTimeout, p.command))
		})
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.finish(Reply{}, ErrTransportClosed)
		return false
	}
	c.written = append(c.written, p)
	c.mu.Unlock()

	c.log.Debug("tmux command write", "seq", p.seq, "command", p.command)
	if _, err := c.w.Write(p.line); err != nil {
		c.log.Error("write to control client failed", "err", err)
		return false
	}

	select {
	case <-p.begun:
	case <-p.done:
	case <-c.readDone:
		return false
	}
	return true
}

func (c *Conn) closeInput() {
	// An empty line asks tmux to detach the control client.
	select {
	case <-c.readDone:
	default:
		_, _ = c.w.Write([]byte("\n"))
	}
	if err := c.w.Close(); err != nil {
		c.log.Debug("close control client stdin", "err", err)
	}
}

func (c *Conn) readLoop() {
	br := bufio.NewReaderSize(c.r, 64*1024)
	var dec Decoder
	sawExit := false
	var readErr error

	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			ev := dec.Decode(line)
			switch e := ev.(type) {
			case ReplyBegin:
				c.beginReply(e.Flags)
			case ReplyLine:
				c.replyLine(e.Text)
			case ReplyEnd:
				c.endReply(false)
			case ReplyError:
				c.endReply(true)
			default:
				if _, ok := ev.(Exit); ok {
					sawExit = true
				}
				if u, ok := ev.(Unknown); ok && u.Raw != "" {
					c.log.Debug("unrecognised control line", "line", u.Raw)
				}
				c.emit(ev)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) {
				readErr = err
			}
			if dec.InReply() {
				c.log.Warn("control transport closed inside a reply block")
			}
			break
		}
	}

	cause := ErrTransportClosed
	if readErr != nil {
		cause = fmt.Errorf("%w: %v", ErrTransportClosed, readErr)
	}
	if !sawExit {
		reason := "transport closed"
		if readErr != nil {
			reason = readErr.Error()
		}
		c.emit(Exit{Reason: reason})
	}
	c.fail(cause)
	close(c.readDone)
	c.markReady()

	if c.proc != nil {
		if err := c.proc.Wait(); err != nil {
			c.log.Info("control client exited", "err", err)
		} else {
			c.log.Info("control client exited")
		}
	}
	close(c.events)
	close(c.done)
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.abandon:
	}
}

func (c *Conn) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Conn) beginReply(flags int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	// Only blocks flagged as answering a control client command consume a
	// written command. The attach reply carries flags 0 even when it
	// arrives after the ready timeout let writes start.
	if flags&1 == 0 || len(c.written) == 0 {
		return
	}
	p := c.written[0]
	c.written = c.written[1:]
	c.current = p
	close(p.begun)
}

func (c *Conn) replyLine(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.lines = append(c.current.lines, text)
	}
}

func (c *Conn) endReply(failed bool) {
	c.mu.Lock()
	p := c.current
	c.current = nil
	c.mu.Unlock()

	if p == nil {
		// Unsolicited block: the reply to the initial attach.
		c.markReady()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	reply := Reply{Seq: p.seq, Command: p.command, Lines: p.lines, Duration: time.Since(p.submitted)}
	if failed {
		p.finish(reply, &CommandError{Seq: p.seq, Command: p.command, Lines: p.lines})
	} else {
		p.finish(reply, nil)
	}
	c.emit(CommandDone{Seq: p.seq, Failed: failed})
}

// fail closes the connection for new commands and fails everything
// queued or in flight.
func (c *Conn) fail(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = cause
	var pending []*Pending
	if c.current != nil {
		pending = append(pending, c.current)
	}
	pending = append(pending, c.written...)
	c.current = nil
	c.written = nil
	for drained := false; !drained; {
		select {
		case p := <-c.queue:
			pending = append(pending, p)
		default:
			drained = true
		}
	}
	c.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.finish(Reply{}, cause)
	}
}
