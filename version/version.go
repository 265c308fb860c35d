// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package version holds the build version string, overridden at link
// time via -ldflags "-X github.com/lazyaf/core/version.Version=...".
package version

// Version is the current release version, set at build time.
var Version = "dev"
