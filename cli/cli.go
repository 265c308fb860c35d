// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package cli is the root of the developer-facing `lazyaf` command: the
// thin facades (ingest, land, debug) spec §6 describes as external
// collaborators of the execution core, plus the certs helper used to
// stand up the backend's TLS material for non-insecure deployments.
package cli

import (
	"errors"
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/lazyaf/core/cli/certs"
	"github.com/lazyaf/core/cli/debug"
	"github.com/lazyaf/core/cli/ingest"
	"github.com/lazyaf/core/cli/land"
	"github.com/lazyaf/core/version"
)

// UsageError marks a subcommand failure caused by bad arguments rather
// than a runtime failure, so Command can map it to exit code 2.
type UsageError struct{ Msg string }

func (e *UsageError) Error() string { return e.Msg }

// Command parses the command line arguments and executes the selected
// subcommand, translating its result into spec §6's exit-code contract:
// 0 success, 1 generic failure, 2 usage error.
func Command() {
	app := kingpin.New("lazyaf", "local-first CI/automation CLI")
	app.HelpFlag.Short('h')
	app.Version(version.Version)
	app.VersionFlag.Short('v')

	ingest.Register(app)
	land.Register(app)
	debug.Register(app)
	certs.Register(app)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		var usageErr *UsageError
		if errors.As(err, &usageErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
