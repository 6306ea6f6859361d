package tmux

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrEmbeddedNewline = errors.New("tmux: command contains a raw newline")
	ErrEmptyCommand    = errors.New("tmux: empty command")
)

// Event is one decoded control-mode line.
type Event interface {
	controlEvent()
}

// Output carries pane output with octal escapes already decoded.
type Output struct {
	PaneID string
	Data   []byte
}

type LayoutChange struct {
	WindowID      string
	Layout        string
	VisibleLayout string
	Flags         string
}

type WindowAdd struct {
	WindowID string
	Unlinked bool
}

type WindowClose struct {
	WindowID string
	Unlinked bool
}

type WindowRenamed struct {
	WindowID string
	Name     string
}

type WindowPaneChanged struct {
	WindowID string
	PaneID   string
}

type PaneModeChanged struct {
	PaneID string
}

// SessionChanged means the control client is now attached to another session.
type SessionChanged struct {
	SessionID string
	Name      string
}

type SessionRenamed struct {
	SessionID string
	Name      string
}

type SessionWindowChanged struct {
	SessionID string
	WindowID  string
}

type SessionsChanged struct{}

// Pause and Continue are flow control notices for a pane (pause-after).
type Pause struct {
	PaneID string
}

type Continue struct {
	PaneID string
}

type ClientDetached struct {
	Client string
}

type ClientSessionChanged struct {
	Client    string
	SessionID string
	Name      string
}

// Exit is sent by tmux before the control client goes away. The
// connection also emits one when stdout closes without it.
type Exit struct {
	Reason string
}

// ReplyBegin opens a reply block. Number is the server's command number;
// the connection correlates blocks to commands by order, not by Number.
type ReplyBegin struct {
	Number    int64
	Timestamp int64
	Flags     int64
}

type ReplyLine struct {
	Text string
}

type ReplyEnd struct {
	Number    int64
	Timestamp int64
	Flags     int64
}

// ReplyError closes a reply block that failed. The error text is the
// block's accumulated lines; the codec leaves Text empty.
type ReplyError struct {
	Number    int64
	Timestamp int64
	Flags     int64
	Text      string
}

// Unknown is any line that matched nothing else.
type Unknown struct {
	Raw string
}

func (Output) controlEvent()               {}
func (LayoutChange) controlEvent()         {}
func (WindowAdd) controlEvent()            {}
func (WindowClose) controlEvent()          {}
func (WindowRenamed) controlEvent()        {}
func (WindowPaneChanged) controlEvent()    {}
func (PaneModeChanged) controlEvent()      {}
func (SessionChanged) controlEvent()       {}
func (SessionRenamed) controlEvent()       {}
func (SessionWindowChanged) controlEvent() {}
func (SessionsChanged) controlEvent()      {}
func (Pause) controlEvent()                {}
func (Continue) controlEvent()             {}
func (ClientDetached) controlEvent()       {}
func (ClientSessionChanged) controlEvent() {}
func (Exit) controlEvent()                 {}
func (ReplyBegin) controlEvent()           {}
func (ReplyLine) controlEvent()            {}
func (ReplyEnd) controlEvent()             {}
func (ReplyError) controlEvent()           {}
func (Unknown) controlEvent()              {}

const (
	dcsPrefix = "\x1bP1000p"
	dcsSuffix = "\x1b\\"
)

// DecodeLine decodes a line seen outside a reply block. It never fails:
// anything it cannot interpret comes back as Unknown.
func DecodeLine(line string) Event {
	line = cleanLine(line)
	if !strings.HasPrefix(line, "%") {
		return Unknown{Raw: line}
	}

	tag, rest := cutField(line)
	switch tag {
	case "%begin", "%end", "%error":
		if ev, ok := decodeGuard(tag, rest); ok {
			return ev
		}
	case "%output":
		pane, data := cutField(rest)
		if isID(pane, '%') {
			return Output{PaneID: pane, Data: Unescape(data)}
		}
	case "%extended-output":
		// %extended-output %pane age ... : data
		pane, tail := cutField(rest)
		if _, data, ok := strings.Cut(tail, " : "); ok && isID(pane, '%') {
			return Output{PaneID: pane, Data: Unescape(data)}
		}
	case "%layout-change":
		fields := strings.Fields(rest)
		if len(fields) >= 2 && isID(fields[0], '@') {
			ev := LayoutChange{WindowID: fields[0], Layout: fields[1]}
			if len(fields) >= 3 {
				ev.VisibleLayout = fields[2]
			}
			if len(fields) >= 4 {
				ev.Flags = fields[3]
			}
			return ev
		}
	case "%window-add", "%unlinked-window-add":
		if id := strings.TrimSpace(rest); isID(id, '@') {
			return WindowAdd{WindowID: id, Unlinked: tag == "%unlinked-window-add"}
		}
	case "%window-close", "%unlinked-window-close":
		if id := strings.TrimSpace(rest); isID(id, '@') {
			return WindowClose{WindowID: id, Unlinked: tag == "%unlinked-window-close"}
		}
	case "%window-renamed", "%unlinked-window-renamed":
		id, name := cutField(rest)
		if isID(id, '@') {
			return WindowRenamed{WindowID: id, Name: name}
		}
	case "%window-pane-changed":
		fields := strings.Fields(rest)
		if len(fields) == 2 && isID(fields[0], '@') && isID(fields[1], '%') {
			return WindowPaneChanged{WindowID: fields[0], PaneID: fields[1]}
		}
	case "%pane-mode-changed":
		if id := strings.TrimSpace(rest); isID(id, '%') {
			return PaneModeChanged{PaneID: id}
		}
	case "%session-changed":
		id, name := cutField(rest)
		if isID(id, '$') {
			return SessionChanged{SessionID: id, Name: name}
		}
	case "%session-renamed":
		// Older servers send only the new name.
		id, name := cutField(rest)
		if isID(id, '$') {
			return SessionRenamed{SessionID: id, Name: name}
		}
		if rest != "" {
			return SessionRenamed{Name: rest}
		}
	case "%session-window-changed":
		fields := strings.Fields(rest)
		if len(fields) == 2 && isID(fields[0], '$') && isID(fields[1], '@') {
			return SessionWindowChanged{SessionID: fields[0], WindowID: fields[1]}
		}
	case "%sessions-changed":
		return SessionsChanged{}
	case "%pause":
		if id := strings.TrimSpace(rest); isID(id, '%') {
			return Pause{PaneID: id}
		}
	case "%continue":
		if id := strings.TrimSpace(rest); isID(id, '%') {
			return Continue{PaneID: id}
		}
	case "%client-detached":
		return ClientDetached{Client: strings.TrimSpace(rest)}
	case "%client-session-changed":
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) == 3 && isID(fields[1], '$') {
			return ClientSessionChanged{Client: fields[0], SessionID: fields[1], Name: fields[2]}
		}
	case "%exit":
		return Exit{Reason: rest}
	}
	return Unknown{Raw: line}
}

// Decoder tracks reply block framing so that lines inside a block are
// never mistaken for notifications, even when they start with '%'.
type Decoder struct {
	inReply bool
	number  int64
}

// InReply reports whether the decoder is inside a reply block.
func (d *Decoder) InReply() bool {
	return d.inReply
}

// Decode decodes one line, honoring reply block state.
func (d *Decoder) Decode(line string) Event {
	if !d.inReply {
		ev := DecodeLine(line)
		if begin, ok := ev.(ReplyBegin); ok {
			d.inReply = true
			d.number = begin.Number
		}
		return ev
	}

	clean := cleanLine(line)
	if strings.HasPrefix(clean, "%end ") || strings.HasPrefix(clean, "%error ") {
		tag, rest := cutField(clean)
		if ev, ok := decodeGuard(tag, rest); ok && guardNumber(ev) == d.number {
			d.inReply = false
			return ev
		}
	}
	return ReplyLine{Text: clean}
}

// EncodeCommand renders one or more command steps as a single protocol
// line. Steps are joined with the command separator so that the whole
// sequence produces exactly one reply block.
func EncodeCommand(steps ...string) ([]byte, error) {
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		if strings.ContainsAny(step, "\r\n") {
			return nil, ErrEmbeddedNewline
		}
		step = strings.TrimSpace(step)
		if step == "" {
			continue
		}
		parts = append(parts, step)
	}
	if len(parts) == 0 {
		return nil, ErrEmptyCommand
	}
	line := strings.Join(parts, " ; ")
	out := make([]byte, 0, len(line)+1)
	out = append(out, line...)
	return append(out, '\n'), nil
}

// QuoteArg quotes a value for the tmux command parser.
func QuoteArg(value string) string {
	if value == "" {
		return "''"
	}
	if strings.IndexFunc(value, needsQuote) < 0 {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch r {
	case ' ', '\t', ';', '\'', '"', '\\', '#', '$', '~', '{', '}':
		return true
	}
	return r < 0x20 || r == 0x7f
}

func decodeGuard(tag, rest string) (Event, bool) {
	fields := strings.Fields(rest)
	if len(fields) < 3 {
		return nil, false
	}
	var nums [3]int64
	for i := range nums {
		n, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return nil, false
		}
		nums[i] = n
	}
	switch tag {
	case "%begin":
		return ReplyBegin{Timestamp: nums[0], Number: nums[1], Flags: nums[2]}, true
	case "%end":
		return ReplyEnd{Timestamp: nums[0], Number: nums[1], Flags: nums[2]}, true
	default:
		return ReplyError{Timestamp: nums[0], Number: nums[1], Flags: nums[2]}, true
	}
}

func guardNumber(ev Event) int64 {
	switch e := ev.(type) {
	case ReplyEnd:
		return e.Number
	case ReplyError:
		return e.Number
	}
	return -1
}

// cleanLine drops the DCS wrapper emitted in -CC mode and a trailing CR
// left by the pty line discipline.
func cleanLine(line string) string {
	line = strings.TrimSuffix(line, "\r")
	line = strings.TrimPrefix(line, dcsPrefix)
	line = strings.TrimPrefix(line, dcsSuffix)
	return line
}

func cutField(s string) (string, string) {
	head, tail, _ := strings.Cut(s, " ")
	return head, tail
}

func isID(s string, sigil byte) bool {
	if len(s) < 2 || s[0] != sigil {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
