package tmux

import (
	"bytes"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLineNotifications(t *testing.T) {
	tests := []struct {
		line string
		want Event
	}{
		{"%output %3 hello\\015\\012", Output{PaneID: "%3", Data: []byte("hello\r\n")}},
		{"%output %3 ", Output{PaneID: "%3", Data: []byte{}}},
		{"%output %12 a b  c", Output{PaneID: "%12", Data: []byte("a b  c")}},
		{"%extended-output %4 120 : x\\033[0m", Output{PaneID: "%4", Data: []byte("x\x1b[0m")}},
		{"%layout-change @1 b25d,80x24,0,0,0 b25d,80x24,0,0,0 *", LayoutChange{WindowID: "@1", Layout: "b25d,80x24,0,0,0", VisibleLayout: "b25d,80x24,0,0,0", Flags: "*"}},
		{"%layout-change @2 b25d,80x24,0,0,0", LayoutChange{WindowID: "@2", Layout: "b25d,80x24,0,0,0"}},
		{"%window-add @7", WindowAdd{WindowID: "@7"}},
		{"%unlinked-window-add @8", WindowAdd{WindowID: "@8", Unlinked: true}},
		{"%window-close @7", WindowClose{WindowID: "@7"}},
		{"%unlinked-window-close @9", WindowClose{WindowID: "@9", Unlinked: true}},
		{"%window-renamed @1 my editor", WindowRenamed{WindowID: "@1", Name: "my editor"}},
		{"%window-pane-changed @1 %5", WindowPaneChanged{WindowID: "@1", PaneID: "%5"}},
		{"%pane-mode-changed %5", PaneModeChanged{PaneID: "%5"}},
		{"%session-changed $2 work", SessionChanged{SessionID: "$2", Name: "work"}},
		{"%session-renamed $2 play", SessionRenamed{SessionID: "$2", Name: "play"}},
		{"%session-renamed play", SessionRenamed{Name: "play"}},
		{"%session-window-changed $2 @4", SessionWindowChanged{SessionID: "$2", WindowID: "@4"}},
		{"%sessions-changed", SessionsChanged{}},
		{"%pause %1", Pause{PaneID: "%1"}},
		{"%continue %1", Continue{PaneID: "%1"}},
		{"%client-detached /dev/pts/3", ClientDetached{Client: "/dev/pts/3"}},
		{"%client-session-changed /dev/pts/3 $1 main", ClientSessionChanged{Client: "/dev/pts/3", SessionID: "$1", Name: "main"}},
		{"%exit", Exit{}},
		{"%exit server exited", Exit{Reason: "server exited"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeLine(tt.line))
		})
	}
}

func TestDecodeLineReplyGuards(t *testing.T) {
	assert.Equal(t, ReplyBegin{Timestamp: 1700000000, Number: 42, Flags: 1}, DecodeLine("%begin 1700000000 42 1"))
	assert.Equal(t, ReplyEnd{Timestamp: 1700000000, Number: 42, Flags: 1}, DecodeLine("%end 1700000000 42 1"))
	assert.Equal(t, ReplyError{Timestamp: 1700000000, Number: 42, Flags: 1}, DecodeLine("%error 1700000000 42 1"))
}

func TestDecodeLineNeverRejects(t *testing.T) {
	for _, line := range []string{
		"",
		"plain text",
		"%",
		"%begin",
		"%begin x y z",
		"%output",
		"%output notapane data",
		"%window-add 7",
		"%layout-change @1",
		"%window-pane-changed @1",
		"%something-new @1 %2",
	} {
		ev := DecodeLine(line)
		assert.Equal(t, Unknown{Raw: line}, ev, "line %q", line)
	}
}

func TestDecodeLineStripsControlModeWrapper(t *testing.T) {
	assert.Equal(t, ReplyBegin{Timestamp: 1, Number: 2, Flags: 0}, DecodeLine("\x1bP1000p%begin 1 2 0\r"))
	assert.Equal(t, Exit{}, DecodeLine("\x1b\\%exit"))
}

func TestDecoderTracksReplyBlocks(t *testing.T) {
	var d Decoder
	assert.Equal(t, ReplyBegin{Timestamp: 10, Number: 5, Flags: 1}, d.Decode("%begin 10 5 1"))
	assert.True(t, d.InReply())

	// Inside a block, lines that look like notifications are reply output.
	assert.Equal(t, ReplyLine{Text: "%output %1 not really"}, d.Decode("%output %1 not really"))
	assert.Equal(t, ReplyLine{Text: "%end 10 4 1"}, d.Decode("%end 10 4 1"))
	assert.Equal(t, ReplyLine{Text: ""}, d.Decode(""))

	assert.Equal(t, ReplyEnd{Timestamp: 10, Number: 5, Flags: 1}, d.Decode("%end 10 5 1"))
	assert.False(t, d.InReply())

	assert.Equal(t, WindowAdd{WindowID: "@3"}, d.Decode("%window-add @3"))

	d.Decode("%begin 11 6 1")
	assert.Equal(t, ReplyLine{Text: "no such window"}, d.Decode("no such window"))
	assert.Equal(t, ReplyError{Timestamp: 11, Number: 6, Flags: 1}, d.Decode("%error 11 6 1"))
	assert.False(t, d.InReply())
}

func TestEncodeCommand(t *testing.T) {
	line, err := EncodeCommand("list-windows")
	require.NoError(t, err)
	assert.Equal(t, "list-windows\n", string(line))

	line, err = EncodeCommand("split-window -t @1", "  break-pane  ")
	require.NoError(t, err)
	assert.Equal(t, "split-window -t @1 ; break-pane\n", string(line))
	assert.Equal(t, 1, bytes.Count(line, []byte("\n")))

	_, err = EncodeCommand("send-keys -t %1 'a\nb'")
	assert.ErrorIs(t, err, ErrEmbeddedNewline)

	_, err = EncodeCommand("display-message x\r")
	assert.ErrorIs(t, err, ErrEmbeddedNewline)

	_, err = EncodeCommand("", "   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)
}

func TestQuoteArg(t *testing.T) {
	assert.Equal(t, "''", QuoteArg(""))
	assert.Equal(t, "main", QuoteArg("main"))
	assert.Equal(t, "'two words'", QuoteArg("two words"))
	assert.Equal(t, `'it'\''s'`, QuoteArg("it's"))
	assert.Equal(t, "'a;b'", QuoteArg("a;b"))
	assert.Equal(t, "'#{pane_id}'", QuoteArg("#{pane_id}"))
}

func TestEscapeUnescape(t *testing.T) {
	assert.Equal(t, `a\033[1m\134\015\012`, Escape([]byte("a\x1b[1m\\\r\n")))
	assert.Equal(t, `\303\251`, Escape([]byte("é")))
	assert.Equal(t, []byte("a\x1b[1m\\\r\n"), Unescape(`a\033[1m\134\015\012`))

	// Malformed escapes are kept verbatim.
	assert.Equal(t, []byte(`\9`), Unescape(`\9`))
	assert.Equal(t, []byte(`\01`), Unescape(`\01`))
	assert.Equal(t, []byte(`\777`), Unescape(`\777`))
	assert.Equal(t, []byte(`x\`), Unescape(`x\`))
}

func TestEscapeRoundTrip(t *testing.T) {
	roundTrip := func(data []byte) bool {
		encoded := Escape(data)
		return Escape(Unescape(encoded)) == encoded && bytes.Equal(Unescape(encoded), data)
	}
	require.NoError(t, quick.Check(roundTrip, &quick.Config{MaxCount: 2000}))

	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	assert.True(t, roundTrip(all))
}

func TestOutputRoundTripThroughDecoder(t *testing.T) {
	data := []byte("\x00\x07 tab\there \\ done\xff")
	ev := DecodeLine("%output %9 " + Escape(data))
	out, ok := ev.(Output)
	require.True(t, ok)
	assert.Equal(t, data, out.Data)
}
