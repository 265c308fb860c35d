// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package gitserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// splitReceivePackCommands reads the pkt-line ref-update command list a
// git-receive-pack request opens with, up to and including the
// terminating flush-pkt, and returns the parsed commands plus a reader
// that replays exactly the bytes consumed followed by the remainder of
// body (the pack data git-receive-pack itself needs on stdin).
func splitReceivePackCommands(body io.Reader) ([]RefUpdate, io.Reader, error) {
	br := bufio.NewReader(body)
	var consumed bytes.Buffer
	var updates []RefUpdate
	first := true

	for {
		lengthHex := make([]byte, 4)
		if _, err := io.ReadFull(br, lengthHex); err != nil {
			return nil, nil, fmt.Errorf("reading pkt-line length: %w", err)
		}
		consumed.Write(lengthHex)

		length, err := strconv.ParseInt(string(lengthHex), 16, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid pkt-line length %q: %w", lengthHex, err)
		}
		if length == 0 {
			break // flush-pkt: end of the command list
		}

		payload := make([]byte, length-4)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, nil, fmt.Errorf("reading pkt-line payload: %w", err)
		}
		consumed.Write(payload)

		line := payload
		if first {
			if idx := bytes.IndexByte(line, 0); idx >= 0 {
				line = line[:idx] // strip the capabilities list off the first command
			}
			first = false
		}
		line = bytes.TrimRight(line, "\n")
		fields := bytes.Fields(line)
		if len(fields) >= 3 {
			updates = append(updates, RefUpdate{
				OldSHA: string(fields[0]),
				NewSHA: string(fields[1]),
				Ref:    string(fields[2]),
			})
		}
	}

	return updates, io.MultiReader(&consumed, br), nil
}
