package stream

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

	logx "streamframes/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStream struct {
	name string
	db   *sql.DB
	log  logx.Logger
}

func openSQLite(name string, cfg Config, log logx.Logger) (Store, error) {
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
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite stream opened", logx.String("path", path))
	return &sqliteStream{name: name, db: db, log: log}, nil
}

func (s *sqliteStream) Append(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(s.name, "append", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO stream_records(stream, ts, value, body) VALUES(?,?,?,?)`)
	if err != nil {
		return unavailable(s.name, "append", err)
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, s.name, r.Time.UnixNano(), r.Value, nullBytes(r.Body)); err != nil {
			return unavailable(s.name, "append", err)
		}
	}
	return unavailable(s.name, "append", tx.Commit())
}

func (s *sqliteStream) IsEmpty(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM stream_records WHERE stream = ? LIMIT 1`, s.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, unavailable(s.name, "is_empty", err)
	}
	return false, nil
}

func (s *sqliteStream) EarliestTime(ctx context.Context) (time.Time, bool, error) {
	return s.boundary(ctx, "earliest", `SELECT MIN(ts) FROM stream_records WHERE stream = ?`)
}

func (s *sqliteStream) LatestTime(ctx context.Context) (time.Time, bool, error) {
	return s.boundary(ctx, "latest", `SELECT MAX(ts) FROM stream_records WHERE stream = ?`)
}

func (s *sqliteStream) boundary(ctx context.Context, op, q string) (time.Time, bool, error) {
	var ns sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q, s.name).Scan(&ns); err != nil {
		return time.Time{}, false, unavailable(s.name, op, err)
	}
	if !ns.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns.Int64).UTC(), true, nil
}

func (s *sqliteStream) DataInRange(ctx context.Context, start, end time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, value, body FROM stream_records
		 WHERE stream = ? AND ts >= ? AND ts < ?
		 ORDER BY ts, id`,
		s.name, start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, unavailable(s.name, "data_in_range", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			ns   int64
			r    Record
			body []byte
		)
		if err := rows.Scan(&ns, &r.Value, &body); err != nil {
			return nil, unavailable(s.name, "data_in_range", err)
		}
		r.Time = time.Unix(0, ns).UTC()
		r.Body = body
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(s.name, "data_in_range", err)
	}
	return out, nil
}

func (s *sqliteStream) DeleteBefore(ctx context.Context, cutoff *time.Time) (int64, error) {
	if cutoff == nil {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM stream_records WHERE stream = ? AND ts < ?`, s.name, cutoff.UnixNano())
	if err != nil {
		return 0, unavailable(s.name, "delete_before", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(s.name, "delete_before", err)
	}
	return n, nil
}

func (s *sqliteStream) CountBefore(ctx context.Context, cutoff *time.Time) (int64, error) {
	if cutoff == nil {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stream_records WHERE stream = ? AND ts < ?`, s.name, cutoff.UnixNano()).Scan(&n)
	if err != nil {
		return 0, unavailable(s.name, "count_before", err)
	}
	return n, nil
}

func (s *sqliteStream) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
