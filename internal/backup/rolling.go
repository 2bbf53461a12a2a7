package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxBackups is the number of generations kept for the onion private key.
const DefaultMaxBackups = 20

// ErrInvalidMaxBackups is returned when maxBackups is not positive.
var ErrInvalidMaxBackups = errors.New("invalid backup count: must be positive")

// timestampWidth pads millisecond timestamps so lexical order equals numeric order.
const timestampWidth = 16

// now is replaced in tests.
var now = time.Now

// Dir returns the directory holding the backups of fileName inside dir.
func Dir(dir, fileName string) string {
	return filepath.Join(dir, "backup", "backups_"+fileName)
}

// RollingBackup copies dir/fileName into its backup directory and prunes the
// oldest copies so that at most maxBackups remain. A missing source file is
// not an error; there is nothing to back up yet.
func RollingBackup(dir, fileName string, maxBackups int) error {
	if maxBackups <= 0 {
		return ErrInvalidMaxBackups
	}

	src := filepath.Join(dir, fileName)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	backupDir := Dir(dir, fileName)
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	existing, err := List(dir, fileName)
	if err != nil {
		return err
	}

	stamp := now().UnixMilli()
	if n := len(existing); n > 0 {
		if last, ok := parseTimestamp(filepath.Base(existing[n-1]), fileName); ok && stamp <= last {
			// Clock did not advance (or went backwards); keep names strictly increasing.
			stamp = last + 1
		}
	}

	dst := filepath.Join(backupDir, backupName(stamp, fileName))
	if err := copyFile(src, dst); err != nil {
		return err
	}
	existing = append(existing, dst)

	for len(existing) > maxBackups {
		if err := os.Remove(existing[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to prune backup %s: %w", existing[0], err)
		}
		existing = existing[1:]
	}
	return nil
}

// List returns the backup files of dir/fileName ordered oldest first.
func List(dir, fileName string) ([]string, error) {
	backupDir := Dir(dir, fileName)
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := parseTimestamp(e.Name(), fileName); !ok {
			continue
		}
		files = append(files, filepath.Join(backupDir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func backupName(stamp int64, fileName string) string {
	return fmt.Sprintf("%0*d_%s", timestampWidth, stamp, fileName)
}

func parseTimestamp(name, fileName string) (int64, bool) {
	prefix, ok := strings.CutSuffix(name, "_"+fileName)
	if !ok {
		return 0, false
	}
	stamp, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return stamp, true
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) //nolint:gosec // path is built from the node's own directory
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // same as above
	if err != nil {
		return fmt.Errorf("failed to create backup %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close backup %s: %w", dst, cerr)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}
