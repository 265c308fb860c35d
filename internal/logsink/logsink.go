// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package logsink is the one stepexec.LogSink implementation shared by
// the local and remote executors: every log line a step produces,
// whether streamed straight out of a local container or relayed
// through the Control Layer's HTTP callback, lands here once. It
// appends to a per-execution file under the log storage root and
// fans the line out to the UI hub.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/wsui"
)

// Broadcaster is the subset of wsui.Hub the sink needs.
type Broadcaster interface {
	Broadcast(eventType wsui.EventType, payload interface{})
}

// Sink appends step log lines to disk and broadcasts them to the UI.
type Sink struct {
	root string
	hub  Broadcaster

	mu    sync.Mutex
	files map[string]*os.File
}

// New constructs a Sink rooted at dir, which must already exist.
func New(dir string, hub Broadcaster) *Sink {
	return &Sink{root: dir, hub: hub, files: make(map[string]*os.File)}
}

// WriteLine implements stepexec.LogSink.
func (s *Sink) WriteLine(executionID string, number int, line string) {
	f, err := s.fileFor(executionID)
	if err != nil {
		logrus.WithError(err).WithField("execution_id", executionID).Errorln("opening step log file")
	} else if _, err := fmt.Fprintf(f, "%d\t%s\n", number, line); err != nil {
		logrus.WithError(err).WithField("execution_id", executionID).Errorln("writing step log line")
	}

	if s.hub != nil {
		s.hub.Broadcast(wsui.EventStepLogs, map[string]interface{}{
			"step_execution_id": executionID,
			"number":            number,
			"line":              line,
		})
	}
}

// LogRef is the identifier stored on the step_run row pointing at this
// execution's log file.
func (s *Sink) LogRef(executionID string) string {
	return executionID
}

// Close releases every open log file handle; safe to call once the
// pipeline executor has drained.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		f.Close()
	}
	s.files = make(map[string]*os.File)
	return nil
}

func (s *Sink) fileFor(executionID string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[executionID]; ok {
		return f, nil
	}
	path := filepath.Join(s.root, executionID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.files[executionID] = f
	return f, nil
}
