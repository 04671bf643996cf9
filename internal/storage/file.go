package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "wadispatch/pkg/logx"
)

var errClosed = errors.New("storage: store closed")

// fileStore appends one JSON object per line. A configured path of
// "data/wadispatch.db" writes "data/wadispatch.audit.jsonl"; a path that
// already ends in ".jsonl" is used as is.
type fileStore struct {
	path string
	log  logx.Logger

	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func auditPath(p string) string {
	if filepath.Ext(p) == ".jsonl" {
		return p
	}
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".audit.jsonl"
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: file driver needs a path")
	}
	path := auditPath(filepath.Clean(cfg.Path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("audit log opened", logx.String("path", path))
	return &fileStore{path: path, log: log, f: f, enc: json.NewEncoder(f)}, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errClosed
	}
	return s.enc.Encode(e)
}

// RecentAudit scans the whole file keeping the last limit entries in a
// ring. Lines that do not decode are skipped.
func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]AuditEntry, limit)
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		var e AuditEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		ring[n%limit] = e
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]AuditEntry, 0, min(n, limit))
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, ring[i%limit])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f, s.enc = nil, nil
	return err
}
