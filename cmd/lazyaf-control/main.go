// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Command lazyaf-control is the Control Layer binary baked into step
// container images: it reads step_config.json, runs the step payload,
// and reports status/logs/heartbeat back to the backend.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/control"
)

func main() {
	if err := control.Run(context.Background()); err != nil {
		logrus.WithError(err).Errorln("control layer exiting with error")
		os.Exit(1)
	}
}
