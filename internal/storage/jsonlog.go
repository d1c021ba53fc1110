// Package storage persists execution records.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

// DefaultLogCap is the number of entries the JSON log keeps
const DefaultLogCap = 1000

// JSONLog keeps the most recent executions in a single JSON array file. Each
// append rewrites the file through a temp file and rename, so readers never
// see a partial write.
type JSONLog struct {
	logger *zap.Logger
	path   string
	limit  int

	mu      sync.Mutex
	entries []*model.Execution
}

// OpenJSONLog opens the log at path, loading existing entries. A limit of zero
// or less means DefaultLogCap.
func OpenJSONLog(logger *zap.Logger, path string, limit int) (*JSONLog, error) {
	if limit <= 0 {
		limit = DefaultLogCap
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &JSONLog{
		logger: logger.Named("jsonlog"),
		path:   path,
		limit:  limit,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read log: %w", err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &l.entries); err != nil {
			// a corrupt log is replaced on the next append rather than blocking startup
			l.logger.Warn("Discarding unreadable execution log",
				zap.String("path", path),
				zap.Error(err))
			l.entries = nil
		}
	}
	l.trim()

	return l, nil
}

// Record appends exec and rewrites the file
func (l *JSONLog) Record(ctx context.Context, exec *model.Execution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := *exec
	l.entries = append(l.entries, &entry)
	l.trim()

	return l.flush()
}

// Tail returns up to n entries, newest first. n <= 0 returns everything.
func (l *JSONLog) Tail(n int) []model.Execution {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]model.Execution, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *l.entries[i])
	}
	return out
}

// Len returns the number of retained entries
func (l *JSONLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *JSONLog) trim() {
	if over := len(l.entries) - l.limit; over > 0 {
		kept := make([]*model.Execution, l.limit)
		copy(kept, l.entries[over:])
		l.entries = kept
	}
}

func (l *JSONLog) flush() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("failed to replace log: %w", err)
	}
	return nil
}
