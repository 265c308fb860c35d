// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package logsink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/wsui"
)

type fakeBroadcaster struct {
	events []wsui.EventType
}

func (f *fakeBroadcaster) Broadcast(eventType wsui.EventType, payload interface{}) {
	f.events = append(f.events, eventType)
}

func TestSinkWriteLineAppendsAndBroadcasts(t *testing.T) {
	dir := t.TempDir()
	bc := &fakeBroadcaster{}
	sink := New(dir, bc)
	defer sink.Close()

	sink.WriteLine("exec-1", 0, "hello")
	sink.WriteLine("exec-1", 1, "world")

	data, err := os.ReadFile(filepath.Join(dir, "exec-1.log"))
	require.NoError(t, err)
	require.Equal(t, "0\thello\n1\tworld\n", string(data))
	require.Equal(t, []wsui.EventType{wsui.EventStepLogs, wsui.EventStepLogs}, bc.events)
}

func TestSinkWriteLineNilBroadcaster(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir, nil)
	defer sink.Close()
	require.NotPanics(t, func() { sink.WriteLine("exec-2", 0, "line") })
}
