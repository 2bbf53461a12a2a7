package torrc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrInvalidOverride is returned when a command-line override is not Key=Value.
var ErrInvalidOverride = errors.New("invalid torrc override: expected Key=Value")

// entry holds one key with all of its values.
type entry struct {
	key    string
	values []string
}

// Torrc is an ordered, case-insensitive key to values map.
// The zero value is not usable; call New.
type Torrc struct {
	entries []*entry
	index   map[string]*entry
}

// New returns an empty Torrc.
func New() *Torrc {
	return &Torrc{index: make(map[string]*entry)}
}

func canonical(key string) string {
	return strings.ToLower(key)
}

// Set replaces all values of key. Calling Set without values removes the key.
func (t *Torrc) Set(key string, values ...string) {
	if len(values) == 0 {
		t.Delete(key)
		return
	}
	if e, ok := t.index[canonical(key)]; ok {
		e.values = append([]string(nil), values...)
		return
	}
	e := &entry{key: key, values: append([]string(nil), values...)}
	t.entries = append(t.entries, e)
	t.index[canonical(key)] = e
}

// Add appends value to key, keeping any existing values.
func (t *Torrc) Add(key, value string) {
	if e, ok := t.index[canonical(key)]; ok {
		e.values = append(e.values, value)
		return
	}
	t.Set(key, value)
}

// Delete removes key and all of its values.
func (t *Torrc) Delete(key string) {
	e, ok := t.index[canonical(key)]
	if !ok {
		return
	}
	delete(t.index, canonical(key))
	for i, cur := range t.entries {
		if cur == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
}

// Get returns a copy of all values of key in insertion order.
func (t *Torrc) Get(key string) []string {
	e, ok := t.index[canonical(key)]
	if !ok {
		return nil
	}
	return append([]string(nil), e.values...)
}

// Value returns the first value of key.
func (t *Torrc) Value(key string) (string, bool) {
	e, ok := t.index[canonical(key)]
	if !ok || len(e.values) == 0 {
		return "", false
	}
	return e.values[0], true
}

// Has reports whether key is present.
func (t *Torrc) Has(key string) bool {
	_, ok := t.index[canonical(key)]
	return ok
}

// Keys returns the keys in insertion order.
func (t *Torrc) Keys() []string {
	keys := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// Len returns the number of distinct keys.
func (t *Torrc) Len() int {
	return len(t.entries)
}

// Merge applies other on top of t. For every key in other, the values in t
// are replaced by other's values. Keys only present in t are kept.
func (t *Torrc) Merge(other *Torrc) {
	if other == nil {
		return
	}
	for _, e := range other.entries {
		t.Set(e.key, e.values...)
	}
}

// Clone returns a deep copy of t.
func (t *Torrc) Clone() *Torrc {
	c := New()
	c.Merge(t)
	return c
}

// WriteTo renders t in torrc syntax, one "Key Value" line per value.
func (t *Torrc) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, e := range t.entries {
		for _, v := range e.values {
			n, err := fmt.Fprintf(w, "%s %s\n", e.key, v)
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// String renders t in torrc syntax.
func (t *Torrc) String() string {
	var sb strings.Builder
	_, _ = t.WriteTo(&sb) //nolint:errcheck // strings.Builder never fails
	return sb.String()
}

// WriteFile renders t into path with owner-only permissions.
func (t *Torrc) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(t.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write torrc %s: %w", path, err)
	}
	return nil
}

// Parse reads torrc syntax from r. Blank lines and lines starting with '#'
// are skipped. Each remaining line is split on the first run of whitespace
// into key and value; repeated keys accumulate in order.
func Parse(r io.Reader) (*Torrc, error) {
	t := New()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			key, value = line[:i], line[i+1:]
		}
		t.Add(key, strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read torrc at line %d: %w", lineNo, err)
	}
	return t, nil
}

// ParseFile parses the torrc file at path.
func ParseFile(path string) (*Torrc, error) {
	f, err := os.Open(path) //nolint:gosec // user supplied torrc path is intentional
	if err != nil {
		return nil, fmt.Errorf("failed to open torrc %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// ParseOverrides parses comma separated Key=Value pairs such as
// "Log=notice stdout,UseBridges=0". Repeated keys accumulate.
func ParseOverrides(s string) (*Torrc, error) {
	t := New()
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOverride, pair)
		}
		t.Add(key, strings.TrimSpace(value))
	}
	return t, nil
}

// ReadBridges reads newline separated bridge lines from path, skipping blank
// lines and '#' comments. A missing file yields no bridges and no error.
func ReadBridges(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // bridges file lives in the node's own directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open bridges file: %w", err)
	}
	defer f.Close()

	var bridges []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		bridges = append(bridges, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bridges file: %w", err)
	}
	return bridges, nil
}
