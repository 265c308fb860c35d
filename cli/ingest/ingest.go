// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package ingest implements the `ingest` thin facade: it takes a local
// git checkout and pushes it into the backend's internal git server,
// the step spec §3's Repo.is_ingested transition describes from the
// outside.
package ingest

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/lazyaf/core/cli"
)

type ingestCommand struct {
	path         string
	name         string
	branch       string
	allBranches  bool
	backendURL   string
}

var slugPattern = regexp.MustCompile(`[^a-z0-9-]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func (c *ingestCommand) run(*kingpin.ParseContext) error {
	info, err := os.Stat(c.path)
	if err != nil || !info.IsDir() {
		return &cli.UsageError{Msg: fmt.Sprintf("%s is not a directory", c.path)}
	}

	name := c.name
	if name == "" {
		name = filepath.Base(filepath.Clean(c.path))
	}
	repoID := slugify(name)
	if repoID == "" {
		repoID = uuid.New().String()
	}

	remote := strings.TrimRight(c.backendURL, "/") + "/git/" + repoID + ".git"

	logrus.WithFields(logrus.Fields{"repo_id": repoID, "remote": remote}).Infoln("ingesting repository")

	if err := run(c.path, "remote", "remove", "lazyaf"); err != nil {
		logrus.Debugln("no existing lazyaf remote to remove")
	}
	if err := run(c.path, "remote", "add", "lazyaf", remote); err != nil {
		return fmt.Errorf("adding lazyaf remote: %w", err)
	}

	pushArgs := []string{"push", "lazyaf"}
	if c.allBranches {
		pushArgs = append(pushArgs, "--all")
	} else {
		branch := c.branch
		if branch == "" {
			branch = "main"
		}
		pushArgs = append(pushArgs, branch)
	}
	if err := run(c.path, pushArgs...); err != nil {
		return fmt.Errorf("pushing to backend: %w", err)
	}

	fmt.Printf("ingested %s as repo %s\n", c.path, repoID)
	return nil
}

func run(dir string, args ...string) error {
	cmd := exec.Command("git", args...) //nolint:gosec
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}

// Register the ingest command.
func Register(app *kingpin.Application) {
	c := new(ingestCommand)

	cmd := app.Command("ingest", "push a local git checkout into the backend's git server").
		Action(c.run)

	cmd.Arg("path", "path to the local git checkout").Required().StringVar(&c.path)
	cmd.Flag("name", "repo name; derived from the directory name if omitted").StringVar(&c.name)
	cmd.Flag("branch", "branch to push").Default("main").StringVar(&c.branch)
	cmd.Flag("all-branches", "push every branch instead of a single one").BoolVar(&c.allBranches)
	cmd.Flag("backend-url", "base URL of the lazyaf backend").Default("http://localhost:3000").StringVar(&c.backendURL)
}
