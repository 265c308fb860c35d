// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package store is the persistence layer backing the Step, Workspace and
// Runner state machines. Every transition that the data-model invariants
// depend on (execution_key idempotency, workspace use_count, runner
// exclusivity) takes its row lock here via SELECT ... FOR UPDATE inside
// a single transaction, following the teacher's habit of keeping locking
// logic next to the SQL it protects rather than spread across callers.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	lerrors "github.com/lazyaf/core/errors"
	"github.com/lazyaf/core/internal/model"
	"github.com/lazyaf/core/internal/store/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a pgx connection pool with the domain queries the executor,
// router, workspace service and trigger service need.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn and applies any pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	dir, err := extractMigrations()
	if err != nil {
		return nil, err
	}
	if err := migrate.Run(ctx, sqlDB, dir); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateStepExecution inserts a new physical attempt, or returns the
// existing row if one already exists for this execution_key — the
// idempotency primitive spec §3 calls for.
func (s *Store) CreateStepExecution(ctx context.Context, stepRunID, executionKey string) (*model.StepExecution, error) {
	var exec model.StepExecution
	row := s.pool.QueryRow(ctx, `
		INSERT INTO step_executions (id, step_run_id, execution_key, status)
		VALUES (gen_random_uuid(), $1, $2, 'pending')
		ON CONFLICT (execution_key) DO UPDATE SET execution_key = EXCLUDED.execution_key
		RETURNING id, step_run_id, execution_key, status, coalesce(runner_id::text, ''),
			coalesce(container_id, ''), exit_code, started_at, finished_at
	`, stepRunID, executionKey)

	var runnerID, containerID string
	if err := row.Scan(&exec.ID, &exec.StepRunID, &exec.ExecutionKey, &exec.Status,
		&runnerID, &containerID, &exec.ExitCode, &exec.StartedAt, &exec.FinishedAt); err != nil {
		return nil, fmt.Errorf("creating step execution %s: %w", executionKey, err)
	}
	exec.RunnerID = runnerID
	exec.ContainerID = containerID
	return &exec, nil
}

// AcquireWorkspaceExclusive locks the workspace row, requires it be ready
// (not in_use, cleaning, destroyed or orphaned), and transitions it to
// in_use with use_count incremented, all inside one transaction.
func (s *Store) AcquireWorkspaceExclusive(ctx context.Context, workspaceID string) (*model.Workspace, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var ws model.Workspace
	err = tx.QueryRow(ctx, `
		SELECT id, status, use_count, pipeline_run_id, created_at, last_used_at
		FROM workspaces WHERE id = $1 FOR UPDATE
	`, workspaceID).Scan(&ws.ID, &ws.Status, &ws.UseCount, &ws.PipelineRunID, &ws.CreatedAt, &ws.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &lerrors.NotFoundError{Msg: fmt.Sprintf("workspace %s not found", workspaceID)}
	}
	if err != nil {
		return nil, err
	}

	if ws.Status != model.WorkspaceReady {
		return nil, &lerrors.ConflictError{Msg: fmt.Sprintf("workspace %s is %s, not ready", workspaceID, ws.Status)}
	}

	ws.Status = model.WorkspaceInUse
	ws.UseCount++
	ws.LastUsedAt = model.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE workspaces SET status = $1, use_count = $2, last_used_at = $3 WHERE id = $4
	`, ws.Status, ws.UseCount, ws.LastUsedAt, ws.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ws, nil
}

// ReleaseWorkspace decrements use_count and, if it reaches zero and the
// owning run is terminal, transitions the workspace to cleaning so the
// audit loop can reclaim it.
func (s *Store) ReleaseWorkspace(ctx context.Context, workspaceID string, runTerminal bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var useCount int
	if err := tx.QueryRow(ctx, `SELECT use_count FROM workspaces WHERE id = $1 FOR UPDATE`, workspaceID).Scan(&useCount); err != nil {
		return err
	}
	if useCount > 0 {
		useCount--
	}

	status := model.WorkspaceReady
	if useCount == 0 && runTerminal {
		status = model.WorkspaceCleaning
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workspaces SET use_count = $1, status = $2 WHERE id = $3
	`, useCount, status, workspaceID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ClaimRunner atomically moves an idle runner matching the given labels
// to busy and attaches it to stepExecutionID, so two concurrent
// dispatches can never grab the same runner.
func (s *Store) ClaimRunner(ctx context.Context, stepExecutionID string, labelMatch func(model.Runner) bool) (*model.Runner, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, name, runner_type, labels, status, coalesce(current_step_exec_id::text, ''),
			coalesce(websocket_id, ''), connected_at, last_heartbeat
		FROM runners WHERE status = 'idle' FOR UPDATE SKIP LOCKED
	`)
	if err != nil {
		return nil, err
	}

	var chosen *model.Runner
	for rows.Next() {
		var r model.Runner
		var stepExecID string
		if err := rows.Scan(&r.ID, &r.Name, &r.RunnerType, &r.Labels, &r.Status,
			&stepExecID, &r.WebsocketID, &r.ConnectedAt, &r.LastHeartbeat); err != nil {
			rows.Close()
			return nil, err
		}
		r.CurrentStepExecID = stepExecID
		if labelMatch(r) {
			chosen = &r
			break
		}
	}
	rows.Close()

	if chosen == nil {
		return nil, &lerrors.UnavailableError{Msg: "no idle runner matches requested labels"}
	}

	chosen.Status = model.RunnerBusy
	chosen.CurrentStepExecID = stepExecutionID
	if _, err := tx.Exec(ctx, `
		UPDATE runners SET status = 'busy', current_step_exec_id = $1 WHERE id = $2
	`, stepExecutionID, chosen.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return chosen, nil
}

// TouchHeartbeat records a runner's last heartbeat time, used by the
// remote executor's death-timeout sweep.
func (s *Store) TouchHeartbeat(ctx context.Context, runnerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE runners SET last_heartbeat = $1 WHERE id = $2`, time.Now().UTC(), runnerID)
	return err
}

// StaleBusyRunners returns every runner in status=busy whose
// last_heartbeat is older than timeoutSeconds, for the remote
// executor's death-timeout sweep (spec §4.4 push algorithm step 6).
func (s *Store) StaleBusyRunners(ctx context.Context, timeoutSeconds int) ([]model.Runner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, runner_type, labels, status, coalesce(current_step_exec_id::text, ''),
			coalesce(websocket_id, ''), connected_at, last_heartbeat
		FROM runners
		WHERE status = 'busy' AND last_heartbeat < now() - make_interval(secs => $1)
	`, timeoutSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Runner
	for rows.Next() {
		var r model.Runner
		if err := rows.Scan(&r.ID, &r.Name, &r.RunnerType, &r.Labels, &r.Status,
			&r.CurrentStepExecID, &r.WebsocketID, &r.ConnectedAt, &r.LastHeartbeat); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RegisterRunner upserts a runner row on WebSocket connect: a runner
// reconnecting with the same id is restored to idle, a never-seen id
// gets a fresh row. Called from the register frame handler, before the
// socket is handed to the remote executor for dispatch.
func (s *Store) RegisterRunner(ctx context.Context, runnerID, name, runnerType string, labels map[string]string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runners (id, name, runner_type, labels, status, websocket_id, connected_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, 'idle', $1, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			runner_type = excluded.runner_type,
			labels = excluded.labels,
			status = 'idle',
			current_step_exec_id = NULL,
			websocket_id = excluded.websocket_id,
			connected_at = excluded.connected_at,
			last_heartbeat = excluded.last_heartbeat
	`, runnerID, name, runnerType, labels, now)
	return err
}

// NonTerminalRuns returns every PipelineRun not yet in a terminal status,
// for the crash-recovery sweep to re-enter on backend start.
func (s *Store) NonTerminalRuns(ctx context.Context) ([]model.PipelineRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_id, status, coalesce(current_step_id, ''), steps_completed,
			steps_total, trigger_type, trigger_key, started_at, completed_at
		FROM pipeline_runs WHERE status NOT IN ('completed', 'failed', 'cancelled')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		var r model.PipelineRun
		if err := rows.Scan(&r.ID, &r.PipelineID, &r.Status, &r.CurrentStepID, &r.StepsCompleted,
			&r.StepsTotal, &r.TriggerType, &r.TriggerKey, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NonTerminalStepExecutionIDs returns the id of every StepExecution not
// yet in a terminal status, for the local executor's container-recovery
// sweep to compare against managed=true containers on backend start.
func (s *Store) NonTerminalStepExecutionIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM step_executions WHERE status NOT IN ('succeeded', 'failed', 'cancelled')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// extractMigrations copies the embedded migrations/*.sql files to a temp
// directory so migrate.Run (which reads from a plain filesystem path) can
// apply them without the caller needing a checkout of the source tree —
// the binary ships its own migrations.
func extractMigrations() (string, error) {
	dir, err := os.MkdirTemp("", "lazyaf-migrations-*")
	if err != nil {
		return "", err
	}
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(dir, entry.Name()), content, 0o600); err != nil {
			return "", err
		}
	}
	return dir, nil
}
