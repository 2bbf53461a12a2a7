package report

import (
	"encoding/json"
	"io"
)

// JSONWriter renders a History as JSON.
// The document is a single newline terminated object, written in one call.
//
// Design decision: We emit compact JSON by default because:
//  1. The output is usually piped into jq or another program
//  2. One line per document keeps log collectors happy
//  3. WithPrettyPrint is there for humans reading a terminal
type JSONWriter struct {
	baseWriter

	// indent enables indented output with indentPrefix and indentString.
	indent       bool
	indentPrefix string
	indentString string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables indented output.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint is WithIndent("", "  ").
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// NewJSONWriter creates a JSONWriter writing to output.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write implements Writer.
func (w *JSONWriter) Write(h *History) (int, error) {
	var (
		data []byte
		err  error
	)
	if w.indent {
		data, err = json.MarshalIndent(h, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(h)
	}
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')
	return w.output.Write(data)
}
