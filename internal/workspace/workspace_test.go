// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/model"
)

// fakeStore is a minimal in-memory Store for exercising the audit pass
// without a database.
type fakeStore struct {
	due       []model.Workspace
	known     map[string]bool
	destroyed []string
}

func (f *fakeStore) GetOrCreateWorkspace(ctx context.Context, run *model.PipelineRun) (*model.Workspace, error) {
	return nil, nil
}
func (f *fakeStore) AcquireWorkspaceExclusive(ctx context.Context, workspaceID string) (*model.Workspace, error) {
	return nil, nil
}
func (f *fakeStore) ReleaseWorkspace(ctx context.Context, workspaceID string, runTerminal bool) error {
	return nil
}
func (f *fakeStore) TerminalWorkspacesDue(ctx context.Context, graceSeconds int) ([]model.Workspace, error) {
	return f.due, nil
}
func (f *fakeStore) MarkWorkspaceDestroyed(ctx context.Context, workspaceID string) error {
	f.destroyed = append(f.destroyed, workspaceID)
	return nil
}
func (f *fakeStore) ExistingWorkspaceIDs(ctx context.Context) (map[string]bool, error) {
	return f.known, nil
}

func TestAuditCleansTerminalWorkspacesPastGrace(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ws-1"), 0o755))

	store := &fakeStore{
		due:   []model.Workspace{{ID: "ws-1", UseCount: 0}},
		known: map[string]bool{"ws-1": true},
	}
	svc := New(store, root)

	require.NoError(t, svc.audit(context.Background(), 300))
	require.Equal(t, []string{"ws-1"}, store.destroyed)
	_, err := os.Stat(filepath.Join(root, "ws-1"))
	require.True(t, os.IsNotExist(err), "cleaned workspace directory must be removed")
}

func TestAuditSkipsWorkspacesStillInUse(t *testing.T) {
	root := t.TempDir()
	store := &fakeStore{
		due:   []model.Workspace{{ID: "ws-2", UseCount: 1}},
		known: map[string]bool{"ws-2": true},
	}
	svc := New(store, root)

	require.NoError(t, svc.audit(context.Background(), 300))
	require.Empty(t, store.destroyed, "use_count>0 must never be cleaned")
}

func TestAuditOrphanedDirsRemovesDirsWithNoRow(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "orphan"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "known"), 0o755))

	store := &fakeStore{known: map[string]bool{"known": true}}
	svc := New(store, root)

	require.NoError(t, svc.auditOrphanedDirs(context.Background()))

	_, err := os.Stat(filepath.Join(root, "orphan"))
	require.True(t, os.IsNotExist(err), "directory with no matching workspace row must be removed")
	_, err = os.Stat(filepath.Join(root, "known"))
	require.NoError(t, err, "directory with a matching row must survive")
}

func TestAuditOrphanedDirsToleratesMissingRoot(t *testing.T) {
	svc := New(&fakeStore{known: map[string]bool{}}, filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, svc.auditOrphanedDirs(context.Background()))
}
