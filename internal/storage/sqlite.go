package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "streamframes/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const frameCols = `id, task_key, start_ns, end_ns, status, result, missing_data, attempts, err,
	created_ns, updated_ns, started_ns, computed_ns, analysis_ns`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
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
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- frames ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFrame(r rowScanner) (Frame, error) {
	var (
		f                                 Frame
		startNS, endNS                    int64
		status                            string
		result, errText                   sql.NullString
		missing                           int
		createdNS, updatedNS              int64
		startedNS, computedNS, analysisNS int64
	)
	if err := r.Scan(&f.ID, &f.TaskKey, &startNS, &endNS, &status, &result, &missing, &f.Attempts, &errText,
		&createdNS, &updatedNS, &startedNS, &computedNS, &analysisNS); err != nil {
		return Frame{}, err
	}
	f.Start = fromNS(startNS)
	f.End = fromNS(endNS)
	f.Status = FrameStatus(status)
	if result.Valid {
		f.Result = []byte(result.String)
	}
	f.MissingData = missing != 0
	f.Error = errText.String
	f.CreatedAt = fromNS(createdNS)
	f.UpdatedAt = fromNS(updatedNS)
	if startedNS != 0 {
		f.StartedAt = fromNS(startedNS)
	}
	if computedNS != 0 {
		f.ComputedAt = fromNS(computedNS)
	}
	f.AnalysisTime = time.Duration(analysisNS)
	return f, nil
}

func fromNS(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func (s *sqliteStore) CreateFrame(ctx context.Context, f Frame) (Frame, error) {
	if strings.TrimSpace(f.TaskKey) == "" {
		return Frame{}, errors.New("frame task key required")
	}
	if !f.End.After(f.Start) {
		return Frame{}, fmt.Errorf("frame end %s must be after start %s", f.End, f.Start)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO frames(task_key, start_ns, end_ns, status, created_ns, updated_ns)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(task_key, start_ns) DO NOTHING`,
		f.TaskKey, f.Start.UnixNano(), f.End.UnixNano(), string(FramePending), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return Frame{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Frame{}, err
	}
	if n == 0 {
		return Frame{}, fmt.Errorf("%w: task %s start %s", ErrFrameConflict, f.TaskKey, f.Start.UTC().Format(time.RFC3339Nano))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		ID:        id,
		TaskKey:   f.TaskKey,
		Start:     f.Start.UTC(),
		End:       f.End.UTC(),
		Status:    FramePending,
		CreatedAt: fromNS(now.UnixNano()),
		UpdatedAt: fromNS(now.UnixNano()),
	}, nil
}

func (s *sqliteStore) frameByID(ctx context.Context, id int64) (Frame, error) {
	f, err := scanFrame(s.db.QueryRowContext(ctx, `SELECT `+frameCols+` FROM frames WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Frame{}, fmt.Errorf("frame %d: %w", id, ErrNotFound)
	}
	return f, err
}

func (s *sqliteStore) oneFrame(ctx context.Context, q string, args ...any) (Frame, bool, error) {
	f, err := scanFrame(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Frame{}, false, nil
	}
	if err != nil {
		return Frame{}, false, err
	}
	return f, true, nil
}

func (s *sqliteStore) GetFrame(ctx context.Context, taskKey string, start time.Time) (Frame, bool, error) {
	return s.oneFrame(ctx, `SELECT `+frameCols+` FROM frames WHERE task_key = ? AND start_ns = ?`, taskKey, start.UnixNano())
}

func (s *sqliteStore) LatestFrame(ctx context.Context, taskKey string) (Frame, bool, error) {
	return s.oneFrame(ctx, `SELECT `+frameCols+` FROM frames WHERE task_key = ? ORDER BY start_ns DESC LIMIT 1`, taskKey)
}

func (s *sqliteStore) EarliestFrame(ctx context.Context, taskKey string) (Frame, bool, error) {
	return s.oneFrame(ctx, `SELECT `+frameCols+` FROM frames WHERE task_key = ? ORDER BY start_ns ASC LIMIT 1`, taskKey)
}

func (s *sqliteStore) ListFrames(ctx context.Context, taskKey string, q FrameQuery) ([]Frame, error) {
	var (
		b    strings.Builder
		args = []any{taskKey}
	)
	b.WriteString(`SELECT ` + frameCols + ` FROM frames WHERE task_key = ?`)
	if q.Status != "" {
		b.WriteString(` AND status = ?`)
		args = append(args, string(q.Status))
	}
	if !q.After.IsZero() {
		b.WriteString(` AND start_ns >= ?`)
		args = append(args, q.After.UnixNano())
	}
	if !q.Before.IsZero() {
		b.WriteString(` AND start_ns < ?`)
		args = append(args, q.Before.UnixNano())
	}
	if q.Desc {
		b.WriteString(` ORDER BY start_ns DESC`)
	} else {
		b.WriteString(` ORDER BY start_ns ASC`)
	}
	if q.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FrameStats(ctx context.Context, taskKey string) (FrameStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(missing_data), 0), COALESCE(SUM(analysis_ns), 0)
		 FROM frames WHERE task_key = ? GROUP BY status`, taskKey)
	if err != nil {
		return FrameStats{}, err
	}
	defer rows.Close()

	var (
		st          FrameStats
		doneCount   int
		doneAnalyze int64
	)
	for rows.Next() {
		var (
			status     string
			n, missing int
			analysisNS int64
		)
		if err := rows.Scan(&status, &n, &missing, &analysisNS); err != nil {
			return FrameStats{}, err
		}
		st.Total += n
		st.MissingData += missing
		switch FrameStatus(status) {
		case FramePending:
			st.Pending += n
		case FrameComputed:
			st.Computed += n
			doneCount += n
			doneAnalyze += analysisNS
		case FrameCleanedUp:
			st.CleanedUp += n
			doneCount += n
			doneAnalyze += analysisNS
		case FrameFailed:
			st.Failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return FrameStats{}, err
	}
	if doneCount > 0 {
		st.AvgAnalysisTime = time.Duration(doneAnalyze / int64(doneCount))
	}
	return st, nil
}

// transitionErr explains why a conditional update touched no rows.
func (s *sqliteStore) transitionErr(ctx context.Context, id int64, to FrameStatus) error {
	f, err := s.frameByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: frame %d is %s, cannot become %s", ErrInvalidTransition, id, f.Status, to)
}

func (s *sqliteStore) MarkStarted(ctx context.Context, id int64) (Frame, error) {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE frames SET attempts = attempts + 1, started_ns = ?, updated_ns = ?
		 WHERE id = ? AND status = ?`,
		now, now, id, string(FramePending),
	)
	if err != nil {
		return Frame{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Frame{}, err
	} else if n == 0 {
		return Frame{}, s.transitionErr(ctx, id, FramePending)
	}
	return s.frameByID(ctx, id)
}

func (s *sqliteStore) MarkComputed(ctx context.Context, id int64, result []byte, missing bool, took time.Duration) error {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE frames SET status = ?, result = ?, missing_data = ?, err = NULL,
		   computed_ns = ?, updated_ns = ?, analysis_ns = analysis_ns + ?
		 WHERE id = ? AND status = ?`,
		string(FrameComputed), nullStr(string(result)), boolInt(missing), now, now, int64(took), id, string(FramePending),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.transitionErr(ctx, id, FrameComputed)
	}
	return nil
}

func (s *sqliteStore) MarkCleanedUp(ctx context.Context, id int64, took time.Duration) error {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE frames SET status = ?, updated_ns = ?, analysis_ns = analysis_ns + ?
		 WHERE id = ? AND status = ?`,
		string(FrameCleanedUp), now, int64(took), id, string(FrameComputed),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		f, err := s.frameByID(ctx, id)
		if err != nil {
			return err
		}
		if f.Status == FrameCleanedUp {
			return nil
		}
		return fmt.Errorf("%w: frame %d is %s, cannot become %s", ErrInvalidTransition, id, f.Status, FrameCleanedUp)
	}
	return nil
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE frames SET status = ?, err = ?, updated_ns = ? WHERE id = ? AND status = ?`,
		string(FrameFailed), nullStr(reason), now, id, string(FramePending),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.transitionErr(ctx, id, FrameFailed)
	}
	return nil
}

func (s *sqliteStore) ClaimForRetry(ctx context.Context, q ClaimQuery) (Frame, bool, error) {
	var (
		conds []string
		args  = []any{q.TaskKey}
	)
	if q.MaxAttempts > 0 {
		conds = append(conds, `(status = ? AND attempts < ?)`)
		args = append(args, string(FrameFailed), q.MaxAttempts)
	}
	if !q.StaleBefore.IsZero() {
		conds = append(conds, `((status IN (?, ?) OR (status = ? AND attempts = 0)) AND updated_ns < ?)`)
		args = append(args, string(FramePending), string(FrameComputed), string(FrameFailed), q.StaleBefore.UnixNano())
	}
	if len(conds) == 0 {
		return Frame{}, false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Frame{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	f, err := scanFrame(tx.QueryRowContext(ctx,
		`SELECT `+frameCols+` FROM frames WHERE task_key = ? AND (`+strings.Join(conds, " OR ")+`)
		 ORDER BY start_ns ASC LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Frame{}, false, nil
	}
	if err != nil {
		return Frame{}, false, err
	}

	next := f.Status
	if f.Status == FrameFailed {
		next = FramePending
	}
	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE frames SET status = ?, updated_ns = ? WHERE id = ? AND status = ? AND updated_ns = ?`,
		string(next), now.UnixNano(), f.ID, string(f.Status), f.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return Frame{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Frame{}, false, err
	} else if n == 0 {
		return Frame{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Frame{}, false, err
	}
	f.Status = next
	f.UpdatedAt = fromNS(now.UnixNano())
	return f, true, nil
}

func (s *sqliteStore) ResetAttempts(ctx context.Context, taskKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE frames SET attempts = 0, updated_ns = ? WHERE task_key = ? AND status = ?`,
		s.now().UnixNano(), taskKey, string(FrameFailed),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) nullableTime(ctx context.Context, q string, args ...any) (time.Time, bool, error) {
	var ns sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&ns); err != nil {
		return time.Time{}, false, err
	}
	if !ns.Valid {
		return time.Time{}, false, nil
	}
	return fromNS(ns.Int64), true, nil
}

func (s *sqliteStore) OldestIncompleteStart(ctx context.Context, taskKey string) (time.Time, bool, error) {
	return s.nullableTime(ctx, `SELECT MIN(start_ns) FROM frames WHERE task_key = ? AND status != ?`, taskKey, string(FrameCleanedUp))
}

func (s *sqliteStore) LatestEnd(ctx context.Context, taskKey string) (time.Time, bool, error) {
	return s.nullableTime(ctx, `SELECT MAX(end_ns) FROM frames WHERE task_key = ?`, taskKey)
}

// ---- task states ----

func scanTaskState(r rowScanner) (TaskState, error) {
	var (
		ts              TaskState
		arm             string
		lastNS, updated int64
		hasLast         int
	)
	if err := r.Scan(&ts.TaskKey, &arm, &lastNS, &hasLast, &updated); err != nil {
		return TaskState{}, err
	}
	ts.ArmStatus = ArmStatus(arm)
	if hasLast != 0 {
		ts.LastFrameStart = fromNS(lastNS)
	}
	ts.UpdatedAt = fromNS(updated)
	return ts, nil
}

const taskStateCols = `task_key, arm_status, last_frame_start_ns, has_last_frame, updated_ns`

func (s *sqliteStore) EnsureTaskState(ctx context.Context, taskKey string) (TaskState, error) {
	if strings.TrimSpace(taskKey) == "" {
		return TaskState{}, errors.New("task key required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_states(task_key, arm_status, updated_ns) VALUES(?,?,?)
		 ON CONFLICT(task_key) DO NOTHING`,
		taskKey, string(ArmInactive), s.now().UnixNano(),
	)
	if err != nil {
		return TaskState{}, err
	}
	ts, ok, err := s.GetTaskState(ctx, taskKey)
	if err != nil {
		return TaskState{}, err
	}
	if !ok {
		return TaskState{}, fmt.Errorf("task state %s: %w", taskKey, ErrNotFound)
	}
	return ts, nil
}

func (s *sqliteStore) GetTaskState(ctx context.Context, taskKey string) (TaskState, bool, error) {
	ts, err := scanTaskState(s.db.QueryRowContext(ctx, `SELECT `+taskStateCols+` FROM task_states WHERE task_key = ?`, taskKey))
	if errors.Is(err, sql.ErrNoRows) {
		return TaskState{}, false, nil
	}
	if err != nil {
		return TaskState{}, false, err
	}
	return ts, true, nil
}

func (s *sqliteStore) ListTaskStates(ctx context.Context) ([]TaskState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskStateCols+` FROM task_states ORDER BY task_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskState
	for rows.Next() {
		ts, err := scanTaskState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TransitionArm(ctx context.Context, taskKey string, to ArmStatus, from ...ArmStatus) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("invalid arm status %q", to)
	}
	q := `UPDATE task_states SET arm_status = ?, updated_ns = ? WHERE task_key = ? AND arm_status != ?`
	args := []any{string(to), s.now().UnixNano(), taskKey, string(to)}
	if len(from) > 0 {
		ph := make([]string, len(from))
		for i, f := range from {
			ph[i] = "?"
			args = append(args, string(f))
		}
		q += ` AND arm_status IN (` + strings.Join(ph, ",") + `)`
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, ok, err := s.GetTaskState(ctx, taskKey); err != nil {
		return false, err
	} else if !ok {
		return false, fmt.Errorf("task state %s: %w", taskKey, ErrNotFound)
	}
	return false, nil
}

func (s *sqliteStore) AdvanceLastFrameStart(ctx context.Context, taskKey string, start time.Time) error {
	ns := start.UnixNano()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_states SET last_frame_start_ns = ?, has_last_frame = 1, updated_ns = ?
		 WHERE task_key = ? AND (has_last_frame = 0 OR last_frame_start_ns < ?)`,
		ns, s.now().UnixNano(), taskKey, ns,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
