// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package control

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/logstream"
)

const (
	defaultFlushInterval = 1 * time.Second
	maxLineLength        = 2048
)

// LogClient is the subset of Client the writer needs, so tests can fake
// it without standing up an HTTP server.
type LogClient interface {
	Logs(ctx context.Context, startNumber int, lines []string) error
}

// Writer is an io.Writer that batches the step payload's stdout/stderr
// into numbered lines and periodically flushes them to the backend,
// the way livelog.Writer batches to the log service.
type Writer struct {
	mu sync.Mutex

	client LogClient
	nudges []logstream.Nudge

	num     int
	pending []string
	prev    []byte

	interval time.Duration
	errs     []error

	closed bool
	close  chan struct{}
	ready  chan struct{}
}

// NewWriter returns a Writer that flushes through client every interval
// (0 uses the default of 1s).
func NewWriter(client LogClient, nudges []logstream.Nudge, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	w := &Writer{
		client:   client,
		nudges:   nudges,
		interval: interval,
		close:    make(chan struct{}),
		ready:    make(chan struct{}, 1),
	}
	go w.run()
	return w
}

var _ logstream.Writer = (*Writer)(nil)

// Open implements logstream.Writer. The control layer's log transport
// has no separate stream-open handshake, so this is a no-op.
func (w *Writer) Open() error { return nil }

// Start implements logstream.Writer; the flush loop is already running
// from NewWriter, so this is a no-op.
func (w *Writer) Start() {}

// Write implements io.Writer, splitting on newlines the way command
// output is naturally line-buffered; a trailing partial line is held
// until the next Write or Close supplies its newline.
func (w *Writer) Write(p []byte) (int, error) {
	if !bytes.Contains(p, []byte("\n")) {
		w.mu.Lock()
		w.prev = append(w.prev, p...)
		w.mu.Unlock()
		return len(p), nil
	}

	s := string(p)
	last := strings.LastIndex(s, "\n")
	head, tail := s[:last+1], s[last+1:]

	w.mu.Lock()
	combined := string(w.prev) + head
	w.prev = []byte(tail)
	for _, line := range strings.SplitAfter(combined, "\n") {
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "... (log line truncated)"
		}
		w.num++
		w.pending = append(w.pending, logstream.SanitizeTokens(line))
	}
	w.mu.Unlock()

	w.checkNudges()

	select {
	case w.ready <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Close flushes any remaining buffered output and stops the periodic
// flusher.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.close)
	}
	w.mu.Unlock()

	if len(w.prev) > 0 {
		_, _ = w.Write([]byte("\n"))
	}
	return w.flush()
}

// Error returns the last nudge-derived error observed in the output, if
// any.
func (w *Writer) Error() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.errs) == 0 {
		return nil
	}
	return w.errs[len(w.errs)-1]
}

func (w *Writer) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.close:
			return
		case <-w.ready:
			select {
			case <-w.close:
				return
			case <-ticker.C:
				if err := w.flush(); err != nil {
					logrus.WithError(err).Warnln("control: failed to flush log batch")
				}
			}
		}
	}
}

func (w *Writer) flush() error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	lines := w.pending
	startNumber := w.num - len(lines) + 1
	w.pending = nil
	w.mu.Unlock()

	return w.client.Logs(context.Background(), startNumber, lines)
}

// checkNudges scans the most recent buffered line against every
// configured nudge, recording a hint error when one matches. No default
// nudges ship; callers wire in patterns relevant to the step's tooling.
func (w *Writer) checkNudges() {
	if len(w.nudges) == 0 {
		return
	}
	w.mu.Lock()
	var last string
	if len(w.pending) > 0 {
		last = w.pending[len(w.pending)-1]
	}
	w.mu.Unlock()
	if last == "" {
		return
	}
	for _, n := range w.nudges {
		r, err := regexp.Compile(n.GetSearch())
		if err != nil {
			continue
		}
		if r.MatchString(last) {
			w.mu.Lock()
			w.errs = append(w.errs, n.GetError())
			w.mu.Unlock()
		}
	}
}
