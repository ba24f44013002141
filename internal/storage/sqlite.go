package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tumbler/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps SQLite out of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordRequest(ctx context.Context, r Record) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.FinishedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(run_id, handle, scheduler, origin, uris, ready, failed, first_code, first_error, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, int64(r.Handle), r.Scheduler, nullStr(r.Origin), r.URIs, r.Ready, r.Failed,
		r.FirstCode, nullStr(r.FirstError), r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(),
	)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, handle, scheduler, origin, uris, ready, failed, first_code, first_error, started_at, finished_at
		 FROM history ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r                 Record
			handle            int64
			origin, firstErr  sql.NullString
			code              sql.NullInt32
			started, finished int64
		)
		if err := rows.Scan(&r.RunID, &handle, &r.Scheduler, &origin, &r.URIs, &r.Ready, &r.Failed, &code, &firstErr, &started, &finished); err != nil {
			return nil, err
		}
		r.Handle = uint32(handle)
		r.Origin = origin.String
		r.FirstCode = code.Int32
		r.FirstError = firstErr.String
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE finished_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
