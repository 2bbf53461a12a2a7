package report

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

const (
	lineWidth  = 70
	timeLayout = "2006-01-02 15:04:05 MST"
)

// SimpleWriter renders a History as plain text for the terminal.
type SimpleWriter struct {
	baseWriter

	// verbose lists failure details under each session.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose lists failure details under each session.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter writing to output.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write implements Writer.
func (w *SimpleWriter) Write(h *History) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, h)
	w.writeAddresses(&sb, h)
	w.writeSessions(&sb, h)

	return io.WriteString(w.output, sb.String())
}

func (w *SimpleWriter) writeHeader(sb *strings.Builder, h *History) {
	sb.WriteString(strings.Repeat("=", lineWidth))
	sb.WriteString("\n")
	sb.WriteString("                        TORPEER SETUP HISTORY\n")
	sb.WriteString(strings.Repeat("=", lineWidth))
	sb.WriteString("\n\n")

	fmt.Fprintf(sb, "Generated: %s\n", h.Generated.Format(timeLayout))
	fmt.Fprintf(sb, "Sessions:  %d (%d published, %d failed)\n", len(h.Sessions), h.Published(), h.Failed())
	for _, c := range h.Counts {
		fmt.Fprintf(sb, "  %-26s %d\n", string(c.Kind)+":", c.Count)
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeAddresses(sb *strings.Builder, h *History) {
	if len(h.LastPublished) == 0 {
		return
	}
	section(sb, "LAST PUBLISHED ADDRESSES")
	for _, mode := range sortedKeys(h.LastPublished) {
		fmt.Fprintf(sb, "  %-10s %s\n", mode, h.LastPublished[mode])
	}
	sb.WriteString("\n")
}

func (w *SimpleWriter) writeSessions(sb *strings.Builder, h *History) {
	section(sb, "SESSIONS")
	if len(h.Sessions) == 0 {
		sb.WriteString("  No sessions recorded\n")
		return
	}
	for _, s := range h.Sessions {
		fmt.Fprintf(sb, "  [%s] %s %-9s %-17s %s\n",
			shortID(s.ID), s.Started.Format(timeLayout), s.Mode, s.Outcome, s.Duration().Round(time.Millisecond))
		if s.Address != "" {
			fmt.Fprintf(sb, "      address: %s\n", s.Address)
		}
		if w.verbose {
			for _, f := range s.Failures {
				fmt.Fprintf(sb, "      error:   %s\n", f)
			}
		}
	}
}

func section(sb *strings.Builder, title string) {
	sb.WriteString(strings.Repeat("-", lineWidth))
	sb.WriteString("\n")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("-", lineWidth))
	sb.WriteString("\n\n")
}

// shortID keeps the first UUID group.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
