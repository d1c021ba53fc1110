package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

// ErrExecutionNotFound is returned when an execution id is not stored
var ErrExecutionNotFound = errors.New("execution not found")

// Fixed width so lexical order in SQLite matches time order
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const executionColumns = "id, task_id, task_name, trigger_type, status, status_code, result, error, scheduled_at, started_at, finished_at, duration"

// HistoryFilter narrows execution history queries. Zero fields match everything.
type HistoryFilter struct {
	TaskID string
	Status model.ExecutionStatus
	Since  time.Time
	Limit  int
	Offset int
}

// SQLiteHistory stores execution records in SQLite
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
	sb     sq.StatementBuilderType
}

// NewSQLiteHistory opens (creating if needed) the history database at dbPath
func NewSQLiteHistory(logger *zap.Logger, dbPath string) (*SQLiteHistory, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between concurrent executions
	db.SetMaxOpenConns(1)

	h := &SQLiteHistory{
		logger: logger.Named("history"),
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}

	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return h, nil
}

func (h *SQLiteHistory) initialize() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_name TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			status TEXT NOT NULL,
			status_code INTEGER,
			result TEXT,
			error TEXT,
			scheduled_at TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
		CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record stores an execution. Recording the same id twice replaces the row.
func (h *SQLiteHistory) Record(ctx context.Context, exec *model.Execution) error {
	var finishedAt sql.NullString
	if exec.FinishedAt != nil {
		finishedAt = sql.NullString{String: formatTime(*exec.FinishedAt), Valid: true}
	}

	query, args, err := h.sb.Insert("executions").
		Options("OR REPLACE").
		Columns("id", "task_id", "task_name", "trigger_type", "status", "status_code",
			"result", "error", "scheduled_at", "started_at", "finished_at", "duration").
		Values(
			exec.ID,
			exec.TaskID,
			exec.TaskName,
			string(exec.Trigger),
			string(exec.Status),
			exec.StatusCode,
			sql.NullString{String: exec.Result, Valid: exec.Result != ""},
			sql.NullString{String: exec.Error, Valid: exec.Error != ""},
			formatTime(exec.ScheduledAt),
			formatTime(exec.StartedAt),
			finishedAt,
			int64(exec.Duration),
		).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := h.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to store execution: %w", err)
	}
	return nil
}

// Get retrieves an execution by id
func (h *SQLiteHistory) Get(ctx context.Context, id string) (*model.Execution, error) {
	query, args, err := h.sb.Select(executionColumns).
		From("executions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	exec, err := scanExecution(h.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	return exec, nil
}

// List returns executions matching filter, newest first
func (h *SQLiteHistory) List(ctx context.Context, filter HistoryFilter) ([]*model.Execution, error) {
	builder := applyFilter(h.sb.Select(executionColumns).From("executions"), filter).
		OrderBy("started_at DESC", "id")
	if filter.Limit > 0 {
		builder = builder.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			// SQLite needs a LIMIT before OFFSET
			builder = builder.Limit(uint64(1<<62))
		}
		builder = builder.Offset(uint64(filter.Offset))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := make([]*model.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return executions, nil
}

// Count returns the number of executions matching filter, ignoring paging
func (h *SQLiteHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	query, args, err := applyFilter(h.sb.Select("COUNT(*)").From("executions"), filter).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count: %w", err)
	}

	var count int
	if err := h.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// DeleteBefore deletes executions started before the given time and returns
// how many were removed
func (h *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	query, args, err := h.sb.Delete("executions").
		Where(sq.Lt{"started_at": formatTime(before)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}

	result, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	h.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

func applyFilter(builder sq.SelectBuilder, filter HistoryFilter) sq.SelectBuilder {
	if filter.TaskID != "" {
		builder = builder.Where(sq.Eq{"task_id": filter.TaskID})
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if !filter.Since.IsZero() {
		builder = builder.Where(sq.GtOrEq{"started_at": formatTime(filter.Since)})
	}
	return builder
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var exec model.Execution
	var trigger, status, scheduledAt, startedAt string
	var result, errorStr, finishedAt sql.NullString
	var statusCode, duration sql.NullInt64

	if err := row.Scan(
		&exec.ID,
		&exec.TaskID,
		&exec.TaskName,
		&trigger,
		&status,
		&statusCode,
		&result,
		&errorStr,
		&scheduledAt,
		&startedAt,
		&finishedAt,
		&duration,
	); err != nil {
		return nil, err
	}

	exec.Trigger = model.Trigger(trigger)
	exec.Status = model.ExecutionStatus(status)
	exec.StatusCode = int(statusCode.Int64)
	exec.Result = result.String
	exec.Error = errorStr.String
	exec.Duration = time.Duration(duration.Int64)

	var err error
	if exec.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		exec.FinishedAt = &t
	}

	return &exec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}
