// ABOUTME: Run archive: completed run summaries and their user/assistant step records
// ABOUTME: Archived runs are history only; the orchestrator never resumes from them

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/plan"
)

// runTimeFormat is fixed-width so text ordering matches time ordering.
const runTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SaveRun stores a completed run and its records. Saving the same run again
// replaces the previous copy.
func (s *SQLiteStore) SaveRun(ctx context.Context, run orchestrator.RunSummary) error {
	var completedAt sql.NullString
	if !run.CompletedAt.IsZero() {
		completedAt = sql.NullString{String: run.CompletedAt.UTC().Format(runTimeFormat), Valid: true}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
			return fmt.Errorf("clearing previous run: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, task, provider_id, registry_version, state, outcome, step_count, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID,
			run.Task,
			run.ProviderID,
			int64(run.RegistryVersion),
			run.State,
			run.Outcome,
			run.StepCount,
			run.CreatedAt.UTC().Format(runTimeFormat),
			completedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		for _, rec := range run.Records {
			for seq, step := range rec.Steps {
				data, err := json.Marshal(step)
				if err != nil {
					return fmt.Errorf("marshaling step %s: %w", step.ID, err)
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO run_steps (run_id, role, seq, step_id, kind, step_json)
					VALUES (?, ?, ?, ?, ?, ?)`,
					run.ID, rec.Role, seq, step.ID, step.Kind(), string(data),
				)
				if err != nil {
					return fmt.Errorf("inserting step %s: %w", step.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("archived run", "run_id", run.ID, "outcome", run.Outcome, "steps", run.StepCount)
	return nil
}

// GetRun returns an archived run with its records.
// Returns ErrNotFound if the run was never archived.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*orchestrator.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task, provider_id, registry_version, state, outcome, step_count, created_at, completed_at
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errIsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	records, err := s.loadRecords(ctx, run)
	if err != nil {
		return nil, err
	}
	run.Records = records
	return run, nil
}

func (s *SQLiteStore) loadRecords(ctx context.Context, run *orchestrator.RunSummary) ([]plan.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, step_json FROM run_steps
		WHERE run_id = ?
		ORDER BY CASE role WHEN 'user' THEN 0 ELSE 1 END, seq`, run.ID)
	if err != nil {
		return nil, fmt.Errorf("querying run steps: %w", err)
	}
	defer rows.Close()

	user := plan.Record{Role: plan.RoleUser, StartedAt: run.CreatedAt}
	assistant := plan.Record{Role: plan.RoleAssistant, StartedAt: run.CreatedAt}
	for rows.Next() {
		var role, data string
		if err := rows.Scan(&role, &data); err != nil {
			return nil, fmt.Errorf("scanning run step: %w", err)
		}
		var step plan.Step
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("decoding run step: %w", err)
		}
		if plan.Role(role) == plan.RoleUser {
			user.Steps = append(user.Steps, step)
		} else {
			assistant.Steps = append(assistant.Steps, step)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run steps: %w", err)
	}
	return []plan.Record{user, assistant}, nil
}

// normalizeRunLimit applies default (50) and cap (500) to the run list limit.
func normalizeRunLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

// ListRuns returns archived runs, newest first, without their records.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]orchestrator.RunSummary, error) {
	query := `
		SELECT id, task, provider_id, registry_version, state, outcome, step_count, created_at, completed_at
		FROM runs`
	var args []any
	if filter.Outcome != orchestrator.OutcomeNone {
		query += ` WHERE outcome = ?`
		args = append(args, filter.Outcome)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeRunLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []orchestrator.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*orchestrator.RunSummary, error) {
	var run orchestrator.RunSummary
	var version int64
	var createdAt string
	var completedAt sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Task,
		&run.ProviderID,
		&version,
		&run.State,
		&run.Outcome,
		&run.StepCount,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		if errIsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	run.RegistryVersion = uint64(version)

	run.CreatedAt, err = time.Parse(runTimeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if completedAt.Valid {
		run.CompletedAt, err = time.Parse(runTimeFormat, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
	}
	return &run, nil
}
