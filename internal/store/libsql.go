package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chainflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
// It also implements the credit ledger, see ledger.go.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// A single connection serializes writers, which is what the credit ledger
	// relies on.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// withWriteTx runs fn in a transaction that takes the write lock with its
// first statement. In WAL mode BeginTx alone starts a deferred transaction,
// so a write-intent no-op forces lock acquisition before any reads.
func (s *LibSQLStore) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Workflows ---

// SaveWorkflow stores def as a new revision and writes the assigned revision
// back into def.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var rev int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(revision), 0) + 1 FROM workflows WHERE id = ?`, def.ID,
		).Scan(&rev); err != nil {
			return fmt.Errorf("next revision: %w", err)
		}
		def.Revision = rev
		raw, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflows (id, revision, organization_id, name, definition, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			def.ID, rev, def.OrganizationID, nullStr(def.Name), string(raw), time.Now().UTC(),
		)
		return err
	})
}

// GetWorkflow loads a workflow revision; revision 0 selects the latest.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, revision int) (*schema.WorkflowDefinition, error) {
	var (
		raw string
		err error
	)
	if revision > 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflows WHERE id = ? AND revision = ?`, id, revision,
		).Scan(&raw)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflows WHERE id = ? ORDER BY revision DESC LIMIT 1`, id,
		).Scan(&raw)
	}
	if errors.Is(err, sql.ErrNoRows) {
		if revision > 0 {
			return nil, storeNotFound("workflow", fmt.Sprintf("%s@%d", id, revision))
		}
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowSummary, error) {
	query := `SELECT w.id, w.organization_id, w.name, w.revision, w.created_at FROM workflows w
		WHERE w.revision = (SELECT MAX(revision) FROM workflows WHERE id = w.id)`
	var args []any
	if filter.OrganizationID != "" {
		query += " AND w.organization_id = ?"
		args = append(args, filter.OrganizationID)
	}
	query += " ORDER BY w.created_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowSummary
	for rows.Next() {
		w := &WorkflowSummary{}
		var name sql.NullString
		if err := rows.Scan(&w.ID, &w.OrganizationID, &name, &w.Revision, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Name = name.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- Executions ---

const executionColumns = `id, workflow_id, revision, organization_id, status, trigger_input, error, created_at, completed_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	input, err := marshalMapOrDefault(exec.TriggerInput)
	if err != nil {
		return fmt.Errorf("marshal trigger_input: %w", err)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.Revision, exec.OrganizationID, string(exec.Status),
		string(input), nullStr(exec.Error), exec.CreatedAt, nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

// UpdateExecution applies update to a non-terminal execution. Terminal
// executions are immutable and yield INVALID_TRANSITION.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return updateExecutionTx(ctx, tx, id, update)
	})
}

func updateExecutionTx(ctx context.Context, tx *sql.Tx, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	var current string
	err := tx.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	if schema.ExecutionStatus(current).IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %s is already %s", id, current).
			WithDetails(map[string]any{"execution_id": id, "status": current})
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var (
		status      string
		input, errS sql.NullString
		completedAt sql.NullTime
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.Revision, &exec.OrganizationID, &status,
		&input, &errS, &exec.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.Error = errS.String
	if input.Valid && input.String != "" {
		_ = json.Unmarshal([]byte(input.String), &exec.TriggerInput)
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Step outputs ---

func (s *LibSQLStore) SaveStepOutput(ctx context.Context, executionID, stepID string, out schema.StepOutput) error {
	var data any
	if !out.Absent {
		raw, err := json.Marshal(out.Data)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		data = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_outputs (execution_id, step_id, label, data, absent, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET label=excluded.label, data=excluded.data, absent=excluded.absent, updated_at=excluded.updated_at`,
		executionID, stepID, out.Label, data, boolToInt(out.Absent), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) ListStepOutputs(ctx context.Context, executionID string) (schema.StepOutputs, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, label, data, absent FROM step_outputs WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(schema.StepOutputs)
	for rows.Next() {
		var (
			stepID, label string
			data          sql.NullString
			absent        int
		)
		if err := rows.Scan(&stepID, &label, &data, &absent); err != nil {
			return nil, err
		}
		o := schema.StepOutput{Label: label, Absent: absent != 0}
		if !o.Absent && data.Valid {
			if err := json.Unmarshal([]byte(data.String), &o.Data); err != nil {
				return nil, fmt.Errorf("unmarshal output of step %s: %w", stepID, err)
			}
		}
		out[stepID] = o
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return appendEventTx(ctx, tx, event)
	})
}

func appendEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence FROM events WHERE " +
		strings.Join(where, " AND ") + " ORDER BY id ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Schedules ---

const scheduleColumns = `id, workflow_id, organization_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	input, err := marshalMapOrDefault(sch.Input)
	if err != nil {
		return fmt.Errorf("marshal schedule input: %w", err)
	}
	sch.CreatedAt = timeOrNow(sch.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.WorkflowID, sch.OrganizationID, sch.CronExpression, string(input), boolToInt(sch.Enabled),
		nullTime(sch.LastRunAt), nullTime(sch.NextRunAt), nullStr(sch.LastRunStatus), sch.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := "SELECT " + scheduleColumns + " FROM schedules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	sch := &Schedule{}
	var (
		input, lastStatus sql.NullString
		enabled           int
		lastRun, nextRun  sql.NullTime
	)
	if err := row.Scan(&sch.ID, &sch.WorkflowID, &sch.OrganizationID, &sch.CronExpression, &input, &enabled,
		&lastRun, &nextRun, &lastStatus, &sch.CreatedAt); err != nil {
		return nil, err
	}
	sch.Enabled = enabled != 0
	sch.LastRunStatus = lastStatus.String
	if input.Valid && input.String != "" {
		_ = json.Unmarshal([]byte(input.String), &sch.Input)
	}
	if lastRun.Valid {
		sch.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sch.NextRunAt = &nextRun.Time
	}
	return sch, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChainflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
