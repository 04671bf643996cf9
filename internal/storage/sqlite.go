package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wadispatch/pkg/logx"
)

//go:embed migrations.sql
var schema string

// schemaVersion is stored in PRAGMA user_version once schema has run.
const schemaVersion = 1

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// sqliteDSN carries the connection pragmas in the DSN so that every pooled
// connection gets them.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite driver needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate %s: %w", path, err)
	}
	log.Debug("audit database opened", logx.String("path", path))
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return err
	}
	if v >= schemaVersion {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	s.log.Info("audit schema migrated", logx.Int("from", v), logx.Int("to", schemaVersion))
	return tx.Commit()
}

const insertAudit = `INSERT INTO audit (at, action, session, job_id, remote, total, ok, fail, err, took_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, insertAudit,
		e.At.UnixMilli(), e.Action,
		optional(e.Session), optional(e.JobID), optional(e.Remote),
		e.Total, e.OK, e.Fail, optional(e.Error), e.TookMS,
	)
	return err
}

const selectRecent = `SELECT at, action, session, job_id, remote, total, ok, fail, err, took_ms
FROM audit ORDER BY id DESC LIMIT ?`

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var (
			e   AuditEntry
			at  int64
			opt [4]sql.NullString
		)
		if err := rows.Scan(&at, &e.Action, &opt[0], &opt[1], &opt[2], &e.Total, &e.OK, &e.Fail, &opt[3], &e.TookMS); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		e.Session, e.JobID, e.Remote, e.Error = opt[0].String, opt[1].String, opt[2].String, opt[3].String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func optional(v string) sql.NullString {
	return sql.NullString{String: v, Valid: strings.TrimSpace(v) != ""}
}
