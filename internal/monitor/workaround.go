package monitor

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agent-command/muxd/internal/tmux"
)

//go:embed workarounds.yaml
var defaultTableYAML []byte

var ErrInvalidTable = errors.New("monitor: invalid workaround table")

// Rule rewrites one known-bad command form. Versions holds constraints
// such as "3.5a", ">=3.2,<3.4" or "*"; the rule applies when any of them
// matches. Replace steps may refer to capture groups as $1, ${name}.
type Rule struct {
	Name     string   `yaml:"name"`
	Match    string   `yaml:"match"`
	Versions []string `yaml:"versions"`
	Replace  []string `yaml:"replace"`

	re          *regexp.Regexp
	constraints [][]clause
}

// Table is an ordered list of rewrite rules.
type Table struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// TableSource hands out the table a new monitor should use.
type TableSource interface {
	Current() *Table
}

// Current lets a fixed table serve as its own source.
func (t *Table) Current() *Table { return t }

// ParseTable decodes and compiles a YAML table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTable, err)
	}
	if t.Version != 0 && t.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidTable, t.Version)
	}
	for i := range t.Rules {
		if err := t.Rules[i].compile(); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %w", ErrInvalidTable, i, err)
		}
	}
	return &t, nil
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in workaround table: %v", err))
	}
	return t
}

// LoadTable reads a table from path and places its rules ahead of the
// built-in ones. An empty path yields the built-in table.
func LoadTable(path string) (*Table, error) {
	def := DefaultTable()
	if path == "" {
		return def, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workaround table: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Rules = append(t.Rules, def.Rules...)
	return t, nil
}

// Rewrite returns the steps to transmit for command under version v and
// the name of the rule that produced them. When no rule matches the
// command is returned unchanged and rule is empty.
func (t *Table) Rewrite(command string, v tmux.Version) (steps []string, rule string) {
	if t != nil {
		trimmed := strings.TrimSpace(command)
		for i := range t.Rules {
			r := &t.Rules[i]
			if !r.appliesTo(v) {
				continue
			}
			m := r.re.FindStringSubmatchIndex(trimmed)
			if m == nil {
				continue
			}
			out := make([]string, 0, len(r.Replace))
			for _, tmpl := range r.Replace {
				out = append(out, string(r.re.ExpandString(nil, tmpl, trimmed, m)))
			}
			return out, r.Name
		}
	}
	return []string{command}, ""
}

func (r *Rule) compile() error {
	if r.Name == "" {
		return errors.New("missing name")
	}
	if len(r.Replace) == 0 {
		return fmt.Errorf("%s: no replacement steps", r.Name)
	}
	re, err := regexp.Compile(r.Match)
	if err != nil {
		return fmt.Errorf("%s: %w", r.Name, err)
	}
	r.re = re
	if len(r.Versions) == 0 {
		r.Versions = []string{"*"}
	}
	r.constraints = r.constraints[:0]
	for _, c := range r.Versions {
		clauses, err := parseConstraint(c)
		if err != nil {
			return fmt.Errorf("%s: %w", r.Name, err)
		}
		r.constraints = append(r.constraints, clauses)
	}
	return nil
}

// appliesTo reports whether any version constraint matches v. An unknown
// version (empty Raw) only matches unconstrained rules.
func (r *Rule) appliesTo(v tmux.Version) bool {
	for _, clauses := range r.constraints {
		if len(clauses) == 0 {
			return true
		}
		if v.Raw == "" {
			continue
		}
		ok := true
		for _, c := range clauses {
			if !c.match(v) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

type clause struct {
	op string
	v  tmux.Version
}

func (c clause) match(v tmux.Version) bool {
	n := v.Compare(c.v)
	switch c.op {
	case "<":
		return n < 0
	case "<=":
		return n <= 0
	case ">":
		return n > 0
	case ">=":
		return n >= 0
	default:
		return n == 0
	}
}

// parseConstraint parses a comma-separated conjunction. "*" parses to no
// clauses, which matches every version.
func parseConstraint(s string) ([]clause, error) {
	s = strings.TrimSpace(s)
	if s == "*" || s == "" {
		return nil, nil
	}
	var out []clause
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		op := ""
		for _, candidate := range []string{">=", "<=", ">", "<", "="} {
			if rest, ok := strings.CutPrefix(part, candidate); ok {
				op, part = candidate, strings.TrimSpace(rest)
				break
			}
		}
		v, err := tmux.ParseVersion(part)
		if err != nil {
			return nil, fmt.Errorf("constraint %q: %w", s, err)
		}
		out = append(out, clause{op: op, v: v})
	}
	return out, nil
}
