// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package debug implements the `debug` thin facade. Session management
// (sidecar attach, shell spawn, resume/abort) is the agent-playground's
// own machinery, out of the execution core's scope; this facade only
// does what the core itself exposes: watching the UI WebSocket for
// debug_breakpoint events belonging to a session.
package debug

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/lazyaf/core/cli"
)

type debugCommand struct {
	sessionID  string
	sidecar    bool
	shell      bool
	resume     bool
	abort      bool
	backendURL string
}

type event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *debugCommand) run(*kingpin.ParseContext) error {
	chosen := 0
	for _, v := range []bool{c.sidecar, c.shell, c.resume, c.abort} {
		if v {
			chosen++
		}
	}
	if chosen > 1 {
		return &cli.UsageError{Msg: "only one of --sidecar, --shell, --resume, --abort may be given"}
	}

	if c.resume || c.abort {
		action := "resume"
		if c.abort {
			action = "abort"
		}
		fmt.Printf("%s is a debug-session action owned by the agent-playground, not the execution core; ", action)
		fmt.Println("forward this request to the session's own control surface")
		return nil
	}

	wsURL, err := toWebsocketURL(c.backendURL)
	if err != nil {
		return fmt.Errorf("parsing backend url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to backend UI websocket: %w", err)
	}
	defer conn.Close()

	fmt.Printf("watching for debug_breakpoint events on session %s (ctrl-c to exit)\n", c.sessionID)
	for {
		var evt event
		if err := conn.ReadJSON(&evt); err != nil {
			return fmt.Errorf("reading event: %w", err)
		}
		if evt.Type != "debug_breakpoint" {
			continue
		}
		if !strings.Contains(string(evt.Payload), c.sessionID) {
			continue
		}
		fmt.Printf("[%s] %s\n", time.Now().Format(time.RFC3339), string(evt.Payload))
	}
}

func toWebsocketURL(backendURL string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String(), nil
}

// Register the debug command.
func Register(app *kingpin.Application) {
	c := new(debugCommand)

	cmd := app.Command("debug", "watch debug breakpoint events for a session").
		Action(c.run)

	cmd.Arg("session-id", "debug session id").Required().StringVar(&c.sessionID)
	cmd.Flag("sidecar", "attach a debug sidecar (owned by the agent-playground)").BoolVar(&c.sidecar)
	cmd.Flag("shell", "spawn an interactive shell (owned by the agent-playground)").BoolVar(&c.shell)
	cmd.Flag("resume", "resume a paused session (owned by the agent-playground)").BoolVar(&c.resume)
	cmd.Flag("abort", "abort the session (owned by the agent-playground)").BoolVar(&c.abort)
	cmd.Flag("backend-url", "base URL of the lazyaf backend").Default("http://localhost:3000").StringVar(&c.backendURL)
}
