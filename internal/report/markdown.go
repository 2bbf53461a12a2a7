package report

import (
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"
)

// MarkdownWriter renders a History as GitHub flavored Markdown.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter writing to output.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{baseWriter: newBaseWriter(output)}
}

// Write implements Writer.
func (w *MarkdownWriter) Write(h *History) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, h)
	w.writeAlert(md, h)
	w.writeAddresses(md, h)
	w.writeSessions(md, h)
	w.writeFailures(md, h)

	return len(md.String()), md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, h *History) {
	md.H1("Torpeer Setup History")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Generated", h.Generated.Format(timeLayout)},
			{"Sessions", strconv.Itoa(len(h.Sessions))},
			{"Published", strconv.Itoa(h.Published())},
			{"Failed", strconv.Itoa(h.Failed())},
		},
	})
	md.PlainText("")

	if len(h.Counts) == 0 {
		return
	}
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Setup Events"),
		piechart.WithShowData(true),
	)
	for _, c := range h.Counts {
		chart.LabelAndIntValue(string(c.Kind), uint64(c.Count)) //nolint:gosec // counts are non-negative
	}
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, h *History) {
	switch {
	case len(h.Sessions) == 0:
		md.Note("No sessions recorded yet.")
	case h.Failed() > 0 && h.Published() == 0:
		md.Cautionf("No session published a hidden service. %d session(s) failed.", h.Failed())
	case h.Failed() > 0:
		md.Warningf("%d session(s) failed to publish.", h.Failed())
	default:
		md.Tip("Every completed session published its hidden service.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeAddresses(md *markdown.Markdown, h *History) {
	if len(h.LastPublished) == 0 {
		return
	}
	md.H2("Last Published Addresses")
	md.PlainText("")
	rows := make([][]string, 0, len(h.LastPublished))
	for _, mode := range sortedKeys(h.LastPublished) {
		rows = append(rows, []string{mode, "`" + h.LastPublished[mode] + "`"})
	}
	md.Table(markdown.TableSet{Header: []string{"Mode", "Address"}, Rows: rows})
	md.PlainText("")
}

func (w *MarkdownWriter) writeSessions(md *markdown.Markdown, h *History) {
	if len(h.Sessions) == 0 {
		return
	}
	md.H2("Sessions")
	md.PlainText("")
	rows := make([][]string, 0, len(h.Sessions))
	for _, s := range h.Sessions {
		addr := ""
		if s.Address != "" {
			addr = "`" + s.Address + "`"
		}
		rows = append(rows, []string{
			"`" + shortID(s.ID) + "`",
			s.Started.Format(timeLayout),
			s.Mode,
			string(s.Outcome),
			s.Duration().Round(time.Millisecond).String(),
			addr,
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Session", "Started", "Mode", "Outcome", "Duration", "Address"},
		Rows:   rows,
	})
	md.PlainText("")
}

func (w *MarkdownWriter) writeFailures(md *markdown.Markdown, h *History) {
	var failures []string
	for _, s := range h.Sessions {
		for _, f := range s.Failures {
			failures = append(failures, shortID(s.ID)+": "+f)
		}
	}
	if len(failures) == 0 {
		return
	}
	md.H2("Failures")
	md.PlainText("")
	md.BulletList(failures...)
	md.PlainText("")
}
