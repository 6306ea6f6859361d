package tmux

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrLayoutSyntax   = errors.New("tmux: malformed layout")
	ErrLayoutChecksum = errors.New("tmux: layout checksum mismatch")
)

type LayoutKind int

const (
	LayoutPane LayoutKind = iota
	// LayoutLeftRight is a {} split: children side by side.
	LayoutLeftRight
	// LayoutTopBottom is a [] split: children stacked.
	LayoutTopBottom
)

type LayoutNode struct {
	Kind     LayoutKind
	Width    int
	Height   int
	X        int
	Y        int
	PaneID   string
	Children []*LayoutNode
}

// PaneGeometry is the cell rectangle of one pane inside its window.
type PaneGeometry struct {
	PaneID string
	X      int
	Y      int
	Width  int
	Height int
}

type Layout struct {
	Checksum uint16
	Root     *LayoutNode
}

// LayoutChecksum computes the checksum tmux prefixes layout strings with.
func LayoutChecksum(body string) uint16 {
	var csum uint16
	for i := 0; i < len(body); i++ {
		csum = (csum >> 1) + ((csum & 1) << 15)
		csum += uint16(body[i])
	}
	return csum
}

// ParseLayout parses a full layout string such as
// "5468,159x48,0,0{79x48,0,0,1,79x48,80,0,2}".
func ParseLayout(s string) (*Layout, error) {
	if len(s) < 6 || s[4] != ',' {
		return nil, fmt.Errorf("%w: %q", ErrLayoutSyntax, s)
	}
	sum, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum %q", ErrLayoutSyntax, s[:4])
	}
	body := s[5:]
	if got := LayoutChecksum(body); got != uint16(sum) {
		return nil, fmt.Errorf("%w: have %04x want %04x", ErrLayoutChecksum, got, sum)
	}

	p := &layoutParser{s: body}
	root, err := p.node()
	if err != nil {
		return nil, err
	}
	if p.pos != len(body) {
		return nil, p.fail("trailing input")
	}
	return &Layout{Checksum: uint16(sum), Root: root}, nil
}

// Panes lists leaf geometry in layout order.
func (l *Layout) Panes() []PaneGeometry {
	var out []PaneGeometry
	var walk func(n *LayoutNode)
	walk = func(n *LayoutNode) {
		if n.Kind == LayoutPane {
			out = append(out, PaneGeometry{PaneID: n.PaneID, X: n.X, Y: n.Y, Width: n.Width, Height: n.Height})
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(l.Root)
	return out
}

// Size returns the window dimensions described by the layout.
func (l *Layout) Size() (int, int) {
	return l.Root.Width, l.Root.Height
}

type layoutParser struct {
	s   string
	pos int
}

func (p *layoutParser) fail(what string) error {
	return fmt.Errorf("%w: %s at offset %d", ErrLayoutSyntax, what, p.pos)
}

func (p *layoutParser) node() (*LayoutNode, error) {
	n := &LayoutNode{}
	var err error
	if n.Width, err = p.number(); err != nil {
		return nil, err
	}
	if err = p.expect('x'); err != nil {
		return nil, err
	}
	if n.Height, err = p.number(); err != nil {
		return nil, err
	}
	if err = p.expect(','); err != nil {
		return nil, err
	}
	if n.X, err = p.number(); err != nil {
		return nil, err
	}
	if err = p.expect(','); err != nil {
		return nil, err
	}
	if n.Y, err = p.number(); err != nil {
		return nil, err
	}

	if p.pos >= len(p.s) {
		return nil, p.fail("missing pane id")
	}
	switch p.s[p.pos] {
	case ',':
		p.pos++
		id, err := p.number()
		if err != nil {
			return nil, err
		}
		n.Kind = LayoutPane
		n.PaneID = "%" + strconv.Itoa(id)
		return n, nil
	case '{':
		n.Kind = LayoutLeftRight
		return n, p.children(n, '}')
	case '[':
		n.Kind = LayoutTopBottom
		return n, p.children(n, ']')
	}
	return nil, p.fail("unexpected character")
}

func (p *layoutParser) children(n *LayoutNode, closer byte) error {
	p.pos++
	for {
		child, err := p.node()
		if err != nil {
			return err
		}
		n.Children = append(n.Children, child)
		if p.pos >= len(p.s) {
			return p.fail("unterminated split")
		}
		switch p.s[p.pos] {
		case ',':
			p.pos++
		case closer:
			p.pos++
			return nil
		default:
			return p.fail("unexpected character in split")
		}
	}
}

func (p *layoutParser) number() (int, error) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	if start == p.pos {
		return 0, p.fail("expected number")
	}
	v, err := strconv.Atoi(p.s[start:p.pos])
	if err != nil {
		return 0, p.fail("number out of range")
	}
	return v, nil
}

func (p *layoutParser) expect(c byte) error {
	if p.pos >= len(p.s) || p.s[p.pos] != c {
		return p.fail(fmt.Sprintf("expected %q", c))
	}
	p.pos++
	return nil
}
