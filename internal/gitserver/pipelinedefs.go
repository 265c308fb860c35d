// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package gitserver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const pipelineDefsDir = ".lazyaf/pipelines"

// PipelineDefs shells out to `git ls-tree`/`git show` to read every
// .lazyaf/pipelines/*.yaml file present at ref, without ever checking
// the ref out to a working tree.
func (s *Server) PipelineDefs(ctx context.Context, repoID, ref string) (map[string][]byte, error) {
	repoPath, err := s.repoDir(repoID)
	if err != nil {
		return nil, err
	}

	lsCmd := exec.CommandContext(ctx, "git", "-C", repoPath, "ls-tree", "-r", "--name-only", ref, pipelineDefsDir) //nolint:gosec
	out, err := lsCmd.Output()
	if err != nil {
		// an empty/missing directory at this ref is not an error: most
		// repos have no repo-defined pipelines at all.
		return map[string][]byte{}, nil
	}

	defs := map[string][]byte{}
	for _, path := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		path = strings.TrimSpace(path)
		if path == "" || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			continue
		}
		showCmd := exec.CommandContext(ctx, "git", "-C", repoPath, "show", fmt.Sprintf("%s:%s", ref, path)) //nolint:gosec
		var buf bytes.Buffer
		showCmd.Stdout = &buf
		if err := showCmd.Run(); err != nil {
			return nil, fmt.Errorf("reading %s at %s: %w", path, ref, err)
		}
		defs[path] = buf.Bytes()
	}
	return defs, nil
}
