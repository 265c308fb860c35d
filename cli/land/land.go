// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package land implements the `land` thin facade: it takes a branch
// that has finished its internal pipeline work and pushes it out to the
// repo's external remote, the counterpart of ingest.
package land

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/lazyaf/core/cli"
)

type landCommand struct {
	repoID     string
	branch     string
	pr         bool
	remoteURL  string
	backendURL string
}

func (c *landCommand) run(*kingpin.ParseContext) error {
	if c.branch == "" {
		return &cli.UsageError{Msg: "--branch is required"}
	}
	if !c.pr && c.remoteURL == "" {
		return &cli.UsageError{Msg: "--remote-url is required unless --pr is set"}
	}

	backendRemote := fmt.Sprintf("%s/git/%s.git", trimRight(c.backendURL), c.repoID)

	tmpDir, err := os.MkdirTemp("", "lazyaf-land-*")
	if err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := runIn("", "clone", "--branch", c.branch, "--single-branch", backendRemote, tmpDir); err != nil {
		return fmt.Errorf("cloning landed branch: %w", err)
	}

	if c.pr {
		logrus.Infoln("--pr requested: opening an external pull request is outside the execution core's scope; push the cloned branch to your host manually")
		fmt.Printf("cloned %s:%s to %s; open the PR from there\n", c.repoID, c.branch, tmpDir)
		return nil
	}

	if err := runIn(tmpDir, "push", c.remoteURL, c.branch); err != nil {
		return fmt.Errorf("pushing to external remote: %w", err)
	}
	fmt.Printf("landed %s:%s to %s\n", c.repoID, c.branch, c.remoteURL)
	return nil
}

func runIn(dir string, args ...string) error {
	cmd := exec.Command("git", args...) //nolint:gosec
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}

func trimRight(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Register the land command.
func Register(app *kingpin.Application) {
	c := new(landCommand)

	cmd := app.Command("land", "push a landed branch from the backend's git server out to the repo's external remote").
		Action(c.run)

	cmd.Arg("repo-id", "repo id to land from").Required().StringVar(&c.repoID)
	cmd.Flag("branch", "branch to land").Required().StringVar(&c.branch)
	cmd.Flag("pr", "stop after cloning instead of pushing, for manual PR creation").BoolVar(&c.pr)
	cmd.Flag("remote-url", "external remote to push to; required unless --pr").StringVar(&c.remoteURL)
	cmd.Flag("backend-url", "base URL of the lazyaf backend").Default("http://localhost:3000").StringVar(&c.backendURL)
}
