package report

import "io"

// Writer renders a History.
type Writer interface {
	// Write renders h and returns the number of bytes written.
	Write(h *History) (int, error)
}

// Format selects a Writer.
type Format string

const (
	// FormatText is the terminal format.
	FormatText Format = "text"
	// FormatJSON is the machine readable format.
	FormatJSON Format = "json"
	// FormatMarkdown is the GitHub flavored Markdown format.
	FormatMarkdown Format = "markdown"
)

// NewWriter returns the Writer for format, falling back to text.
func NewWriter(format Format, output io.Writer) Writer {
	switch format {
	case FormatJSON:
		return NewJSONWriter(output, WithPrettyPrint())
	case FormatMarkdown:
		return NewMarkdownWriter(output)
	default:
		return NewSimpleWriter(output)
	}
}

type baseWriter struct {
	output io.Writer
}

func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}
