package policy

import (
	"errors"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ErrUnparseable is returned when a shell command cannot be parsed.
var ErrUnparseable = errors.New("unparseable command")

// SplitCommandChain breaks a shell command into the simple commands it
// runs, descending into &&, ||, ;, |, subshells, blocks and control flow.
// Quoting and redirections are handled by a real shell parser.
func SplitCommandChain(cmd string) ([]string, error) {
	if strings.TrimSpace(cmd) == "" {
		return nil, nil
	}
	prog, err := syntax.NewParser().Parse(strings.NewReader(cmd), "")
	if err != nil {
		return nil, ErrUnparseable
	}
	c := &chainCollector{printer: syntax.NewPrinter()}
	c.stmts(prog.Stmts)
	return c.parts, nil
}

type chainCollector struct {
	printer *syntax.Printer
	parts   []string
}

func (c *chainCollector) stmts(list []*syntax.Stmt) {
	for _, st := range list {
		c.stmt(st)
	}
}

func (c *chainCollector) stmt(st *syntax.Stmt) {
	if st == nil || st.Cmd == nil {
		return
	}
	if c.compound(st.Cmd) {
		return
	}
	// Simple commands, declarations, arithmetic and test clauses are
	// leaves. Print the statement so redirections stay attached.
	leaf := *st
	leaf.Negated, leaf.Background, leaf.Coprocess = false, false, false
	var buf strings.Builder
	if err := c.printer.Print(&buf, &leaf); err != nil {
		return
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		c.parts = append(c.parts, s)
	}
}

// compound descends into node and reports whether it had structure.
func (c *chainCollector) compound(node syntax.Command) bool {
	switch n := node.(type) {
	case *syntax.BinaryCmd:
		c.stmt(n.X)
		c.stmt(n.Y)
	case *syntax.Subshell:
		c.stmts(n.Stmts)
	case *syntax.Block:
		c.stmts(n.Stmts)
	case *syntax.IfClause:
		for cl := n; cl != nil; cl = cl.Else {
			c.stmts(cl.Cond)
			c.stmts(cl.Then)
		}
	case *syntax.WhileClause:
		c.stmts(n.Cond)
		c.stmts(n.Do)
	case *syntax.ForClause:
		c.stmts(n.Do)
	case *syntax.CaseClause:
		for _, item := range n.Items {
			c.stmts(item.Stmts)
		}
	case *syntax.TimeClause:
		c.stmt(n.Stmt)
	case *syntax.CoprocClause:
		c.stmt(n.Stmt)
	case *syntax.FuncDecl:
		c.stmt(n.Body)
	default:
		return false
	}
	return true
}

var substitutionPattern = regexp.MustCompile(`\$\(|` + "`" + `|<\(|>\(`)

type span struct{ start, end int }

// literalHeredocSpans returns the byte spans of heredoc bodies whose
// delimiter is quoted. The shell performs no expansion inside those, so
// backticks and $( there are plain text.
func literalHeredocSpans(cmd string) []span {
	prog, err := syntax.NewParser().Parse(strings.NewReader(cmd), "")
	if err != nil {
		return nil
	}
	var spans []span
	syntax.Walk(prog, func(node syntax.Node) bool {
		r, ok := node.(*syntax.Redirect)
		if !ok || (r.Op != syntax.Hdoc && r.Op != syntax.DashHdoc) || r.Word == nil || r.Hdoc == nil {
			return true
		}
		quoted := false
		for _, p := range r.Word.Parts {
			switch p.(type) {
			case *syntax.SglQuoted, *syntax.DblQuoted:
				quoted = true
			}
		}
		if !quoted {
			return true
		}
		start, end := int(r.Hdoc.Pos().Offset()), int(r.Hdoc.End().Offset())
		if start >= 0 && start < end && end <= len(cmd) {
			spans = append(spans, span{start, end})
		}
		return true
	})
	return spans
}

// ContainsCommandSubstitution reports whether cmd contains $(...), a
// backtick or a process substitution outside a quoted heredoc body.
func ContainsCommandSubstitution(cmd string) bool {
	matches := substitutionPattern.FindAllStringIndex(cmd, -1)
	if len(matches) == 0 {
		return false
	}
	spans := literalHeredocSpans(cmd)
outer:
	for _, m := range matches {
		for _, s := range spans {
			if m[0] >= s.start && m[0] < s.end {
				continue outer
			}
		}
		return true
	}
	return false
}
