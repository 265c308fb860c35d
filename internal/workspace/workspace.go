// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package workspace implements the Workspace Service: lifecycle of the
// durable working directory backing a PipelineRun, with row-level
// locking delegated to internal/store and filesystem layout managed
// through internal/filesystem.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/model"
	"github.com/lazyaf/core/internal/safego"
)

// Store is the persistence surface the workspace service needs.
type Store interface {
	GetOrCreateWorkspace(ctx context.Context, run *model.PipelineRun) (*model.Workspace, error)
	AcquireWorkspaceExclusive(ctx context.Context, workspaceID string) (*model.Workspace, error)
	ReleaseWorkspace(ctx context.Context, workspaceID string, runTerminal bool) error
	TerminalWorkspacesDue(ctx context.Context, graceSeconds int) ([]model.Workspace, error)
	MarkWorkspaceDestroyed(ctx context.Context, workspaceID string) error
	ExistingWorkspaceIDs(ctx context.Context) (map[string]bool, error)
}

// Service implements get_or_create/acquire_shared/release_shared/
// cleanup/audit over a filesystem root and the row locks in Store.
type Service struct {
	store Store
	root  string
}

// New constructs a Service rooted at workspaceRoot, where each workspace
// gets a repo/, home/, .control/ and .lazyaf-context/ subdirectory.
func New(store Store, workspaceRoot string) *Service {
	return &Service{store: store, root: workspaceRoot}
}

// GetOrCreate materializes the workspace directory layout and clones the
// repo at the run's target commit/branch, returning once ready.
// Idempotent: a second call against the same run reuses the existing
// directory.
func (s *Service) GetOrCreate(ctx context.Context, run *model.PipelineRun, repoBareGitPath, branch string) (*model.Workspace, error) {
	ws, err := s.store.GetOrCreateWorkspace(ctx, run)
	if err != nil {
		return nil, err
	}

	dir := s.dirFor(ws.ID)
	for _, sub := range []string{"repo", "home", ".control", ".lazyaf-context"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace subdir %s: %w", sub, err)
		}
	}

	repoDir := filepath.Join(dir, "repo")
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); os.IsNotExist(err) {
		cmd := exec.CommandContext(ctx, "git", "clone", "--branch", branch, repoBareGitPath, repoDir) //nolint:gosec
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("cloning workspace repo: %w: %s", err, out)
		}
	}

	return ws, nil
}

// AcquireShared locks the workspace exclusively long enough to bump
// use_count and confirm it is ready, matching the store's
// AcquireWorkspaceExclusive row-lock semantics; "shared" here refers to
// the workspace being usable by more than one concurrent StepExecution,
// not to a separate lock mode.
func (s *Service) AcquireShared(ctx context.Context, workspaceID string) (*model.Workspace, error) {
	return s.store.AcquireWorkspaceExclusive(ctx, workspaceID)
}

// ReleaseShared decrements use_count; runTerminal marks the owning run
// as finished so a zero use_count transitions the workspace to
// cleaning instead of staying ready.
func (s *Service) ReleaseShared(ctx context.Context, workspaceID string, runTerminal bool) error {
	return s.store.ReleaseWorkspace(ctx, workspaceID, runTerminal)
}

// Cleanup removes a workspace's on-disk directory and marks it
// destroyed. Callers must have already confirmed use_count == 0 via the
// store (AcquireWorkspaceExclusive/ReleaseWorkspace enforce this
// invariant; Cleanup does not re-check it to avoid a second round trip).
func (s *Service) Cleanup(ctx context.Context, workspaceID string) error {
	dir := s.dirFor(workspaceID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace directory %s: %w", dir, err)
	}
	return s.store.MarkWorkspaceDestroyed(ctx, workspaceID)
}

func (s *Service) dirFor(workspaceID string) string {
	return filepath.Join(s.root, workspaceID)
}

// RunAuditLoop periodically cleans up terminal workspaces with
// use_count == 0 past the grace window, and removes any on-disk
// directory with no matching row (orphaned). It runs until ctx is
// cancelled.
func (s *Service) RunAuditLoop(ctx context.Context, interval time.Duration, graceSeconds int) {
	safego.SafeGoWithContext("workspace-audit", ctx, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.audit(ctx, graceSeconds); err != nil {
					logrus.WithContext(ctx).WithError(err).Error("workspace audit pass failed")
				}
			}
		}
	})
}

func (s *Service) audit(ctx context.Context, graceSeconds int) error {
	due, err := s.store.TerminalWorkspacesDue(ctx, graceSeconds)
	if err != nil {
		return err
	}

	var result error
	for _, ws := range due {
		if ws.UseCount > 0 {
			continue // invariant: a workspace with use_count>0 is never cleaned
		}
		if err := s.Cleanup(ctx, ws.ID); err != nil {
			result = multierror.Append(result, fmt.Errorf("cleaning workspace %s: %w", ws.ID, err))
			continue
		}
		logrus.WithContext(ctx).Infof("audit cleaned workspace %s", ws.ID)
	}

	if err := s.auditOrphanedDirs(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// auditOrphanedDirs removes on-disk workspace directories with no
// corresponding row at all (e.g. left behind by a crash between mkdir
// and the store insert).
func (s *Service) auditOrphanedDirs(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing workspace root: %w", err)
	}

	known, err := s.store.ExistingWorkspaceIDs(ctx)
	if err != nil {
		return fmt.Errorf("loading known workspace ids: %w", err)
	}

	var result error
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, fmt.Errorf("removing orphaned workspace dir %s: %w", dir, err))
			continue
		}
		logrus.WithContext(ctx).Infof("audit removed orphaned workspace directory %s", dir)
	}
	return result
}
