// Package uploads keeps a copy of every uploaded artifact and prunes old ones.
package uploads

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "wadispatch/pkg/logx"
)

// Store writes artifacts under one directory. An empty directory disables it.
type Store struct {
	dir string
	log logx.Logger
	now func() time.Time
}

func New(dir string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dir: strings.TrimSpace(dir), log: log.With(logx.String("comp", "uploads")), now: time.Now}
}

func (s *Store) Enabled() bool { return s != nil && s.dir != "" }

func (s *Store) Dir() string { return s.dir }

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Save writes data as "<timestamp>-<kind>-<id>.txt" and returns the path.
func (s *Store) Save(kind string, data []byte) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("uploads: %w", err)
	}
	kind = unsafeName.ReplaceAllString(kind, "_")
	name := fmt.Sprintf("%s-%s-%s.txt", s.now().UTC().Format("20060102T150405"), kind, uuid.NewString()[:8])
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("uploads: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("uploads: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("uploads: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("uploads: %w", err)
	}
	s.log.Debug("artifact saved", logx.String("kind", kind), logx.String("path", path), logx.Int("bytes", len(data)))
	return path, nil
}

// Prune removes regular files whose modification time is older than
// retention. Returns the number of files removed.
func (s *Store) Prune(retention time.Duration) (int, error) {
	if !s.Enabled() || retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("uploads: %w", err)
	}
	cutoff := s.now().Add(-retention)
	var removed int
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
