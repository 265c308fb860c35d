// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package gitserver

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitReceivePackCommands(t *testing.T) {
	oldSHA := "0000000000000000000000000000000000000000"
	newSHA := "d670460b4b4aece5915caf5c68d12f560a9fe3e4"
	firstLine := oldSHA + " " + newSHA + " refs/heads/main\x00 report-status\n"
	body := pktLine(firstLine) + "0000" + "PACKDATA"

	updates, rest, err := splitReceivePackCommands(bytes.NewBufferString(body))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, "refs/heads/main", updates[0].Ref)
	require.Equal(t, oldSHA, updates[0].OldSHA)
	require.Equal(t, newSHA, updates[0].NewSHA)

	remaining, err := io.ReadAll(rest)
	require.NoError(t, err)
	require.Equal(t, body, string(remaining))
}

func TestSplitReceivePackCommandsMultipleRefs(t *testing.T) {
	first := "a" + "111111111111111111111111111111111111111" + " " + "b222222222222222222222222222222222222222" + " refs/heads/main\x00 report-status\n"
	second := "c333333333333333333333333333333333333333 d444444444444444444444444444444444444444 refs/heads/feature\n"
	body := pktLine(first) + pktLine(second) + "0000"

	updates, rest, err := splitReceivePackCommands(bytes.NewBufferString(body))
	require.NoError(t, err)
	require.Len(t, updates, 2)
	require.Equal(t, "refs/heads/feature", updates[1].Ref)

	remaining, err := io.ReadAll(rest)
	require.NoError(t, err)
	require.Equal(t, body, string(remaining))
}
