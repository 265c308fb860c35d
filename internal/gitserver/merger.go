// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package gitserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Merge performs the merge:{branch} trigger action: merges fromBranch
// into toBranch on repoID's bare repository, by way of a throwaway
// clone rather than operating on the bare repo's refs directly, so a
// failing merge never leaves the bare repo in a half-updated state.
func (s *Server) Merge(ctx context.Context, repoID, fromBranch, toBranch string) error {
	repoPath, err := s.repoDir(repoID)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "lazyaf-merge-*")
	if err != nil {
		return fmt.Errorf("creating merge workdir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	run := func(args ...string) error {
		cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec
		cmd.Dir = tmpDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git %v: %w: %s", args, err, out)
		}
		return nil
	}

	cloneCmd := exec.CommandContext(ctx, "git", "clone", repoPath, tmpDir) //nolint:gosec
	if out, err := cloneCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cloning %s: %w: %s", repoPath, err, out)
	}
	if err := run("checkout", toBranch); err != nil {
		return fmt.Errorf("checking out %s: %w", toBranch, err)
	}
	if err := run("merge", "--no-edit", "origin/"+fromBranch); err != nil {
		return fmt.Errorf("merging %s into %s: %w", fromBranch, toBranch, err)
	}
	if err := run("push", "origin", toBranch); err != nil {
		return fmt.Errorf("pushing %s: %w", toBranch, err)
	}
	return nil
}
