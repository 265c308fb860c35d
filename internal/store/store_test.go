// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractMigrationsWritesEmbeddedFilesToTempDir(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries, "the migrations directory must ship at least one migration")

	dir, err := extractMigrations()
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		want, err := migrationsFS.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)

		got, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		require.Equal(t, want, got, "extracted migration %s must match the embedded source byte-for-byte", e.Name())
	}
}
