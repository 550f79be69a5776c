package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dgerlanc/warden/internal/bus"
	"github.com/dgerlanc/warden/internal/scheduler"
	"github.com/dgerlanc/warden/internal/tools"
)

// maxDiffLines caps the diff shown in a confirmation box.
const maxDiffLines = 40

// terminalConfirmer asks the user on a terminal before a tool runs.
type terminalConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalConfirmer(in io.Reader, out io.Writer) *terminalConfirmer {
	return &terminalConfirmer{in: bufio.NewReader(in), out: out}
}

// Confirm implements scheduler.ConfirmFunc. Anything but an explicit yes
// cancels the call.
func (c *terminalConfirmer) Confirm(ctx context.Context, req scheduler.Request, d *tools.ConfirmationDetails) (bus.Outcome, error) {
	fmt.Fprintln(c.out, confirmStyle.Render(confirmBody(req, d)))

	choices := "[y] yes  [a] always  [n] no"
	if d.Type == tools.ConfirmMCP {
		choices = "[y] yes  [a] always this tool  [s] always this server  [n] no"
	}
	fmt.Fprintf(c.out, "%s > ", choices)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return bus.Cancel, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return bus.Cancel, nil
		}
		return parseAnswer(a.line, d.Type), nil
	}
}

func parseAnswer(line string, typ tools.ConfirmationType) bus.Outcome {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return bus.ProceedOnce
	case "a", "always":
		return bus.ProceedAlways
	case "s", "server":
		if typ == tools.ConfirmMCP {
			return bus.ProceedAlwaysServer
		}
	}
	return bus.Cancel
}

func confirmBody(req scheduler.Request, d *tools.ConfirmationDetails) string {
	var b strings.Builder
	title := d.Title
	if title == "" {
		title = "Confirm " + req.Name
	}
	b.WriteString(headerStyle.Render(title))

	switch d.Type {
	case tools.ConfirmExec:
		fmt.Fprintf(&b, "\n\n$ %s", d.Command)
	case tools.ConfirmEdit:
		fmt.Fprintf(&b, "\n\n%s", d.FilePath)
		if diff := strings.TrimRight(d.FileDiff, "\n"); diff != "" {
			lines := strings.Split(diff, "\n")
			if len(lines) > maxDiffLines {
				lines = append(lines[:maxDiffLines], mutedStyle.Render(fmt.Sprintf("... %d more lines", len(lines)-maxDiffLines)))
			}
			for _, l := range lines {
				b.WriteString("\n")
				switch {
				case strings.HasPrefix(l, "+") && !strings.HasPrefix(l, "+++"):
					b.WriteString(allowStyle.Render(l))
				case strings.HasPrefix(l, "-") && !strings.HasPrefix(l, "---"):
					b.WriteString(denyStyle.Render(l))
				default:
					b.WriteString(l)
				}
			}
		}
	case tools.ConfirmMCP:
		fmt.Fprintf(&b, "\n\nserver: %s\ntool:   %s", d.ServerName, d.ToolDisplayName)
	case tools.ConfirmInfo:
		if d.Prompt != "" {
			fmt.Fprintf(&b, "\n\n%s", d.Prompt)
		}
		for _, u := range d.URLs {
			fmt.Fprintf(&b, "\n  %s", u)
		}
	}
	return b.String()
}
