// Package fs provides the flat-directory listing the orchestrator needs for
// both the incremental and long-term backup directories. Both directories
// are flat with no subdirectories, so the scanner only ever lists one level
// and lets the caller supply a predicate over what it finds.
package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sfReplicaBackup/internal/logger"

	"github.com/spf13/afero"
)

// Entry describes one file or directory found during a scan.
type Entry struct {
	Name    string
	Path    string
	IsDir   bool
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// FilterFunc reports whether an Entry should be included in a List result.
type FilterFunc func(entry Entry) bool

// ScanOptions configures a single List call.
type ScanOptions struct {
	Filter FilterFunc
}

// Scanner lists directory entries against an afero filesystem, defaulting to
// the real OS filesystem so tests can substitute an in-memory one.
type Scanner struct {
	fs     afero.Fs
	logger *logger.Logger
}

// NewScanner builds a scanner over the real OS filesystem.
func NewScanner(lg *logger.Logger) *Scanner {
	return &Scanner{fs: afero.NewOsFs(), logger: lg}
}

// NewScannerWithFs builds a scanner over a custom afero filesystem, for tests.
func NewScannerWithFs(fs afero.Fs, lg *logger.Logger) *Scanner {
	return &Scanner{fs: fs, logger: lg}
}

// List returns every entry directly inside path (one level, no recursion)
// that passes opts.Filter, if given.
func (s *Scanner) List(path string, opts ...ScanOptions) ([]Entry, error) {
	var o ScanOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	path = NormalizePath(path)

	exists, err := afero.DirExists(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("fs: checking %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("fs: directory does not exist: %s", path)
	}

	dirEntries, err := afero.ReadDir(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("fs: reading %s: %w", path, err)
	}

	var out []Entry
	for _, de := range dirEntries {
		e := Entry{
			Name:    de.Name(),
			Path:    filepath.Join(path, de.Name()),
			IsDir:   de.IsDir(),
			Size:    de.Size(),
			Mode:    de.Mode(),
			ModTime: de.ModTime(),
		}
		if o.Filter != nil && !o.Filter(e) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// FilterFilesOnly excludes directory entries, since the incremental and
// long-term directories never hold subdirectories worth descending into.
func FilterFilesOnly() FilterFunc {
	return func(e Entry) bool { return !e.IsDir }
}

// NormalizePath cleans a path for cross-platform-consistent comparison and
// joining.
func NormalizePath(path string) string {
	return filepath.Clean(path)
}
