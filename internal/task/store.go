package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat keeps a fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const maxReasonBytes = 4 * 1024

// SQLStore implements Store on a database opened by internal/storage. It
// uses only portable SQL so sqlite and mysql share the statements.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func encodeMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func truncate(s string) string {
	if len(s) > maxReasonBytes {
		return s[:maxReasonBytes]
	}
	return s
}

func (s *SQLStore) Create(ctx context.Context, t Task) error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("task id is empty")
	}
	if t.Capability == "" {
		return fmt.Errorf("capability is empty")
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}
	params, err := encodeMap(t.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	now := formatTime(time.Now())

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks(
  id, sample_ref, capability, platform, arch, parameters, priority, status, submitted_at, updated_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, t.ID.String(), t.SampleRef, t.Capability, t.Platform, t.Arch, params, t.Priority, StatusQueued, formatTime(t.SubmittedAt), now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateStatus moves a task to status. Terminal statuses are recorded through
// Finish with no result data.
func (s *SQLStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status: %q", status)
	}
	if status.Terminal() {
		return s.Finish(ctx, id, Result{Status: status, Reason: reason})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, current)
	}

	var reasonVal any
	if reason != "" {
		reasonVal = truncate(reason)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = ?, reason = ?, updated_at = ? WHERE id = ?;
`, status, reasonVal, formatTime(time.Now()), id.String()); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Finish records a terminal status and appends a row to task_log. A task
// that is already terminal is left untouched and ErrTerminal is returned.
func (s *SQLStore) Finish(ctx context.Context, id uuid.UUID, res Result) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", res.Status)
	}
	data, err := encodeMap(res.Data)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		statusS     string
		capability  string
		submittedAt string
	)
	err = tx.QueryRowContext(ctx, `
SELECT status, capability, submitted_at FROM tasks WHERE id = ?;
`, id.String()).Scan(&statusS, &capability, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load task for completion: %w", err)
	}
	if Status(statusS).Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, statusS)
	}

	completedAt := formatTime(time.Now())
	var code, reason any
	if res.Code != "" {
		code = res.Code
	}
	if res.Reason != "" {
		reason = truncate(res.Reason)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = ?, code = ?, reason = ?, result = ?, updated_at = ?, completed_at = ?
WHERE id = ?;
`, res.Status, code, reason, data, completedAt, completedAt, id.String()); err != nil {
		return fmt.Errorf("update task completion: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_log(id, task_id, capability, status, code, reason, submitted_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), id.String(), capability, res.Status, code, reason, submittedAt, completedAt); err != nil {
		return fmt.Errorf("insert task_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID) (Status, error) {
	var st string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id.String()).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("load task status: %w", err)
	}
	return Status(st), nil
}

const selectRecord = `
SELECT id, sample_ref, capability, platform, arch, parameters, priority, status,
  code, reason, result, submitted_at, updated_at, completed_at
FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r            Record
		idS          string
		params       sql.NullString
		statusS      string
		code         sql.NullString
		reason       sql.NullString
		result       sql.NullString
		submittedAtS string
		updatedAtS   string
		completedAtS sql.NullString
	)
	if err := row.Scan(
		&idS, &r.SampleRef, &r.Capability, &r.Platform, &r.Arch, &params, &r.Priority, &statusS,
		&code, &reason, &result, &submittedAtS, &updatedAtS, &completedAtS,
	); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idS)
	if err != nil {
		return nil, fmt.Errorf("parse task id %q: %w", idS, err)
	}
	r.ID = id
	r.Status = Status(statusS)
	r.Code = code.String
	r.Reason = reason.String
	r.SubmittedAt = parseTime(submittedAtS)
	r.UpdatedAt = parseTime(updatedAtS)
	if completedAtS.Valid {
		t := parseTime(completedAtS.String)
		r.CompletedAt = &t
	}
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &r.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &r.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &r, nil
}

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?;`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

// ListByStatus returns tasks in dispatch order: higher priority first, then
// oldest submission.
func (s *SQLStore) ListByStatus(ctx context.Context, status Status) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+`
WHERE status = ?
ORDER BY priority DESC, submitted_at ASC, id ASC;`, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// PruneLog deletes task_log rows completed more than retention ago.
func (s *SQLStore) PruneLog(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune task_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
