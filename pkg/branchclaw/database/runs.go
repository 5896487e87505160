package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/branchclaw/pkg/branchclaw/conversation"
	"github.com/jholhewres/branchclaw/pkg/branchclaw/copilot"
)

// RunStore implements copilot.RunStore on the subagent_runs table.
type RunStore struct {
	db *sql.DB
}

// NewRunStore wraps an open database.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, conversation_id, parent_message_id, branch_id, task, persona, model,
	status, iterations, max_iterations, result, error, started_at, completed_at`

// SaveRun inserts or replaces a run.
func (s *RunStore) SaveRun(ctx context.Context, run *copilot.SubagentRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO subagent_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, run.ParentMessageID, run.BranchID,
		run.Task, run.Persona, run.Model, string(run.Status),
		run.Iterations, run.MaxIterations, run.Result, run.Error,
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save subagent run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with id, or nil when there is none.
func (s *RunStore) GetRun(ctx context.Context, id string) (*copilot.SubagentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM subagent_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subagent run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recently started runs first. A limit <= 0 means
// no limit.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]*copilot.SubagentRun, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `SELECT `+runColumns+` FROM subagent_runs ORDER BY started_at DESC LIMIT ?`, limit)
}

// MarkStaleRunning flips every run still marked running to abandoned and
// returns the affected runs. It is called at startup, when no run of this
// process can be live.
func (s *RunStore) MarkStaleRunning(ctx context.Context, reason string) ([]*copilot.SubagentRun, error) {
	stale, err := s.query(ctx, `SELECT `+runColumns+` FROM subagent_runs WHERE status = ?`,
		string(conversation.BranchRunning))
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE subagent_runs SET status = ?, error = ?, completed_at = ?
		WHERE status = ?`,
		string(conversation.BranchAbandoned), reason, formatTime(now), string(conversation.BranchRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("mark stale subagent runs: %w", err)
	}
	for _, run := range stale {
		run.Status = conversation.BranchAbandoned
		run.Error = reason
		run.CompletedAt = now
	}
	return stale, nil
}

// PruneRuns deletes finished runs that completed before the cutoff.
func (s *RunStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM subagent_runs
		WHERE status != ? AND completed_at != '' AND completed_at < ?`,
		string(conversation.BranchRunning), formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("prune subagent runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *RunStore) query(ctx context.Context, q string, args ...any) ([]*copilot.SubagentRun, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query subagent runs: %w", err)
	}
	defer rows.Close()

	var runs []*copilot.SubagentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subagent run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*copilot.SubagentRun, error) {
	var run copilot.SubagentRun
	var status, startedAt, completedAt string
	err := row.Scan(&run.ID, &run.ConversationID, &run.ParentMessageID, &run.BranchID,
		&run.Task, &run.Persona, &run.Model, &status,
		&run.Iterations, &run.MaxIterations, &run.Result, &run.Error,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = conversation.BranchState(status)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	return &run, nil
}
