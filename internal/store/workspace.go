// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package store

import (
	"context"

	"github.com/lazyaf/core/internal/model"
)

// TerminalWorkspacesDue returns workspaces whose owning run is terminal,
// use_count is zero, and last_used_at is older than graceSeconds — the
// audit loop's cleanup candidates.
func (s *Store) TerminalWorkspacesDue(ctx context.Context, graceSeconds int) ([]model.Workspace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT w.id, w.status, w.use_count, w.pipeline_run_id, w.created_at, w.last_used_at
		FROM workspaces w
		JOIN pipeline_runs r ON r.id = w.pipeline_run_id
		WHERE w.use_count = 0
			AND w.status NOT IN ('destroyed')
			AND r.status IN ('completed', 'failed', 'cancelled')
			AND w.last_used_at < now() - make_interval(secs => $1)
	`, graceSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Workspace
	for rows.Next() {
		var ws model.Workspace
		if err := rows.Scan(&ws.ID, &ws.Status, &ws.UseCount, &ws.PipelineRunID, &ws.CreatedAt, &ws.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// ExistingWorkspaceIDs returns the id of every workspace row still on
// record (any status), for the audit loop's orphaned-directory sweep to
// check on-disk directories against.
func (s *Store) ExistingWorkspaceIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM workspaces`)
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

// MarkWorkspaceDestroyed finalizes a workspace row after its on-disk
// directory has been removed.
func (s *Store) MarkWorkspaceDestroyed(ctx context.Context, workspaceID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE workspaces SET status = $1 WHERE id = $2`, model.WorkspaceDestroyed, workspaceID)
	return err
}
