package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/batonworks/baton/internal/task"
)

// Store is the sqlite-backed task repository. One Store owns one database
// handle; all writes for a logical operation go through Apply so the task row
// and its ledger entries commit as one transaction.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'not-started',
			current_role TEXT,
			priority TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			creation_time TEXT NOT NULL,
			completion_time TEXT,
			redelegation_count INTEGER NOT NULL DEFAULT 0,
			git_branch TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS delegations (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			from_role TEXT NOT NULL,
			to_role TEXT NOT NULL,
			delegation_time TEXT NOT NULL,
			completion_time TEXT,
			success INTEGER,
			rejection_reason TEXT,
			redelegation_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delegations_task ON delegations(task_id, delegation_time)`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			from_role TEXT,
			to_role TEXT NOT NULL,
			ts TEXT NOT NULL,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_task ON transitions(task_id, ts)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(task_id),
			sub_ref TEXT,
			role TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Timestamps are stored as RFC3339Nano UTC strings so lexical order matches
// chronological order for the ledger replay queries.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func rolePtr(ns sql.NullString) *task.Role {
	if !ns.Valid {
		return nil
	}
	r := task.Role(ns.String)
	return &r
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, name, description, plan, status, current_role,
			priority, owner, creation_time, completion_time, redelegation_count, git_branch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Name, t.Description, t.Plan, string(t.Status),
		nullable((*string)(t.CurrentRole)), t.Priority, t.Owner,
		encodeTime(t.CreationTime), encodeTimePtr(t.CompletionTime),
		t.RedelegationCount, nullable(t.GitBranch))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: task %q already exists", task.ErrConflict, t.TaskID)
	}
	if err != nil {
		return task.StorageErrorf("create task", t.TaskID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, name, description, plan, status, current_role, priority,
			owner, creation_time, completion_time, redelegation_count, git_branch
		FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.NotFoundf("task %q", taskID)
	}
	if err != nil {
		return nil, task.StorageErrorf("get task", taskID, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var (
		t              task.Task
		status         string
		currentRole    sql.NullString
		creationTime   string
		completionTime sql.NullString
		gitBranch      sql.NullString
	)
	err := row.Scan(&t.TaskID, &t.Name, &t.Description, &t.Plan, &status,
		&currentRole, &t.Priority, &t.Owner, &creationTime, &completionTime,
		&t.RedelegationCount, &gitBranch)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.CurrentRole = rolePtr(currentRole)
	if t.CreationTime, err = decodeTime(creationTime); err != nil {
		return nil, fmt.Errorf("decode creation_time: %w", err)
	}
	if t.CompletionTime, err = decodeTimePtr(completionTime); err != nil {
		return nil, fmt.Errorf("decode completion_time: %w", err)
	}
	t.GitBranch = strPtr(gitBranch)
	return &t, nil
}

func (s *Store) GetDelegation(ctx context.Context, delegationID string) (*task.DelegationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, from_role, to_role, delegation_time, completion_time,
			success, rejection_reason, redelegation_count
		FROM delegations WHERE id = ?`, delegationID)
	d, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.NotFoundf("delegation %q", delegationID)
	}
	if err != nil {
		return nil, task.StorageErrorf("get delegation", "", err)
	}
	return d, nil
}

func scanDelegation(row rowScanner) (*task.DelegationRecord, error) {
	var (
		d              task.DelegationRecord
		fromRole       string
		toRole         string
		delegationTime string
		completionTime sql.NullString
		success        sql.NullBool
		reason         sql.NullString
	)
	err := row.Scan(&d.ID, &d.TaskID, &fromRole, &toRole, &delegationTime,
		&completionTime, &success, &reason, &d.RedelegationCount)
	if err != nil {
		return nil, err
	}
	d.FromRole = task.Role(fromRole)
	d.ToRole = task.Role(toRole)
	if d.DelegationTime, err = decodeTime(delegationTime); err != nil {
		return nil, fmt.Errorf("decode delegation_time: %w", err)
	}
	if d.CompletionTime, err = decodeTimePtr(completionTime); err != nil {
		return nil, fmt.Errorf("decode completion_time: %w", err)
	}
	if success.Valid {
		v := success.Bool
		d.Success = &v
	}
	d.RejectionReason = strPtr(reason)
	return &d, nil
}

func (s *Store) ListComments(ctx context.Context, taskID string, limit int) ([]task.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, sub_ref, role, body, created_at
		FROM comments WHERE task_id = ?
		ORDER BY created_at DESC, id DESC `+limitClause(limit), taskID)
	if err != nil {
		return nil, task.StorageErrorf("list comments", taskID, err)
	}
	defer rows.Close()

	var out []task.Comment
	for rows.Next() {
		var (
			c         task.Comment
			subRef    sql.NullString
			role      string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.TaskID, &subRef, &role, &c.Text, &createdAt); err != nil {
			return nil, task.StorageErrorf("list comments", taskID, err)
		}
		c.SubRef = strPtr(subRef)
		c.Role = task.Role(role)
		if c.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, task.StorageErrorf("list comments", taskID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, task.StorageErrorf("list comments", taskID, err)
	}
	return out, nil
}

func (s *Store) ListDelegations(ctx context.Context, taskID string, limit int) ([]task.DelegationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_role, to_role, delegation_time, completion_time,
			success, rejection_reason, redelegation_count
		FROM delegations WHERE task_id = ?
		ORDER BY delegation_time DESC, id DESC `+limitClause(limit), taskID)
	if err != nil {
		return nil, task.StorageErrorf("list delegations", taskID, err)
	}
	defer rows.Close()

	var out []task.DelegationRecord
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, task.StorageErrorf("list delegations", taskID, err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, task.StorageErrorf("list delegations", taskID, err)
	}
	return out, nil
}

func (s *Store) ListTransitions(ctx context.Context, taskID string, limit int) ([]task.WorkflowTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_role, to_role, ts, reason
		FROM transitions WHERE task_id = ?
		ORDER BY ts DESC, id DESC `+limitClause(limit), taskID)
	if err != nil {
		return nil, task.StorageErrorf("list transitions", taskID, err)
	}
	defer rows.Close()

	var out []task.WorkflowTransition
	for rows.Next() {
		var (
			tr       task.WorkflowTransition
			fromRole sql.NullString
			toRole   string
			ts       string
			reason   sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.TaskID, &fromRole, &toRole, &ts, &reason); err != nil {
			return nil, task.StorageErrorf("list transitions", taskID, err)
		}
		tr.FromRole = rolePtr(fromRole)
		tr.ToRole = task.Role(toRole)
		if tr.Timestamp, err = decodeTime(ts); err != nil {
			return nil, task.StorageErrorf("list transitions", taskID, err)
		}
		tr.Reason = strPtr(reason)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, task.StorageErrorf("list transitions", taskID, err)
	}
	return out, nil
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]task.DelegationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_role, to_role, delegation_time, completion_time,
			success, rejection_reason, redelegation_count
		FROM delegations
		WHERE success IS NULL AND delegation_time < ?
		ORDER BY delegation_time ASC`, encodeTime(cutoff))
	if err != nil {
		return nil, task.StorageErrorf("list stale pending", "", err)
	}
	defer rows.Close()

	var out []task.DelegationRecord
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, task.StorageErrorf("list stale pending", "", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, task.StorageErrorf("list stale pending", "", err)
	}
	return out, nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d", limit)
}

// Apply commits the change set in a single transaction. A resolution that
// targets an absent or already-resolved delegation aborts the whole set with
// ErrNotFound.
func (s *Store) Apply(ctx context.Context, set *task.ChangeSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.StorageErrorf("begin tx", "", err)
	}
	defer tx.Rollback()

	if set.Task != nil {
		if err := applyTaskUpdate(ctx, tx, set.Task); err != nil {
			return err
		}
	}
	if set.Transition != nil {
		tr := set.Transition
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transitions (task_id, from_role, to_role, ts, reason)
			VALUES (?, ?, ?, ?, ?)`,
			tr.TaskID, nullable((*string)(tr.FromRole)), string(tr.ToRole),
			encodeTime(tr.Timestamp), nullable(tr.Reason))
		if err != nil {
			return task.StorageErrorf("insert transition", tr.TaskID, err)
		}
	}
	if set.Comment != nil {
		c := set.Comment
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (task_id, sub_ref, role, body, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			c.TaskID, nullable(c.SubRef), string(c.Role), c.Text, encodeTime(c.CreatedAt))
		if err != nil {
			return task.StorageErrorf("insert comment", c.TaskID, err)
		}
	}
	if set.NewDelegation != nil {
		d := set.NewDelegation
		_, err := tx.ExecContext(ctx, `
			INSERT INTO delegations (id, task_id, from_role, to_role, delegation_time,
				completion_time, success, rejection_reason, redelegation_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.TaskID, string(d.FromRole), string(d.ToRole),
			encodeTime(d.DelegationTime), encodeTimePtr(d.CompletionTime),
			nullable(d.Success), nullable(d.RejectionReason), d.RedelegationCount)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: delegation %q already exists", task.ErrConflict, d.ID)
		}
		if err != nil {
			return task.StorageErrorf("insert delegation", d.TaskID, err)
		}
	}
	if set.Resolution != nil {
		if err := applyResolution(ctx, tx, set.Resolution); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return task.StorageErrorf("commit", "", err)
	}
	return nil
}

func applyTaskUpdate(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET name = ?, description = ?, plan = ?, status = ?,
			current_role = ?, priority = ?, owner = ?, completion_time = ?,
			redelegation_count = ?, git_branch = ?
		WHERE task_id = ?`,
		t.Name, t.Description, t.Plan, string(t.Status),
		nullable((*string)(t.CurrentRole)), t.Priority, t.Owner,
		encodeTimePtr(t.CompletionTime), t.RedelegationCount,
		nullable(t.GitBranch), t.TaskID)
	if err != nil {
		return task.StorageErrorf("update task", t.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.StorageErrorf("update task", t.TaskID, err)
	}
	if n == 0 {
		return task.NotFoundf("task %q", t.TaskID)
	}
	return nil
}

// applyResolution flips a pending delegation exactly once. The WHERE guard on
// success IS NULL makes double resolution observable as zero affected rows.
func applyResolution(ctx context.Context, tx *sql.Tx, r *task.DelegationResolution) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE delegations SET success = ?, rejection_reason = ?, completion_time = ?
		WHERE id = ? AND success IS NULL`,
		r.Success, nullable(r.RejectionReason), encodeTime(r.CompletionTime), r.DelegationID)
	if err != nil {
		return task.StorageErrorf("resolve delegation", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.StorageErrorf("resolve delegation", "", err)
	}
	if n == 0 {
		return task.NotFoundf("pending delegation %q", r.DelegationID)
	}
	if !r.Success {
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET redelegation_count = redelegation_count + 1
			WHERE task_id = (SELECT task_id FROM delegations WHERE id = ?)`,
			r.DelegationID)
		if err != nil {
			return task.StorageErrorf("bump redelegation count", "", err)
		}
	}
	return nil
}
