// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Copyright 2019 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package errors

import (
	"errors"
	"regexp"
)

var extraInfoPattern = regexp.MustCompile(`\s*extra info:.*$`)

// TrimExtraInfo strips the verbose "extra info: { ... }" suffix the Docker
// daemon appends to some Windows CreateProcess failures, so LocalExecutor
// can surface a step's failure reason without dumping a raw JSON blob into
// its status message.
func TrimExtraInfo(err error) error {
	if err == nil {
		return nil
	}
	trimmed := extraInfoPattern.ReplaceAllString(err.Error(), "")
	if trimmed == err.Error() {
		return err
	}
	return errors.New(trimmed)
}
