// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrStepTerminal is returned when the backend reports 404 for a step
// control call: the execution is already terminal and the shim should
// stop retrying and exit cleanly.
var ErrStepTerminal = fmt.Errorf("step execution already terminal")

// Client posts status/logs/heartbeat to a single step's control
// endpoints on the backend, retrying on 5xx with a bounded exponential
// backoff so a transient backend hiccup never blocks the payload.
type Client struct {
	http       *http.Client
	baseURL    string
	stepID     string
	token      string
	maxRetries uint64
}

// NewClient builds a Client for one StepExecution's control endpoints.
func NewClient(baseURL, stepID, token string, maxRetries uint64) *Client {
	return &Client{
		http:       &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		stepID:     stepID,
		token:      token,
		maxRetries: maxRetries,
	}
}

// Status reports a state transition.
func (c *Client) Status(ctx context.Context, status string, exitCode *int) error {
	return c.post(ctx, "/status", StatusPayload{Status: status, ExitCode: exitCode})
}

// Logs posts a batch of log lines starting at startNumber.
func (c *Client) Logs(ctx context.Context, startNumber int, lines []string) error {
	return c.post(ctx, "/logs", LogPayload{StartNumber: startNumber, Lines: lines})
}

// Heartbeat reports liveness.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.post(ctx, "/heartbeat", struct{}{})
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries)
	return backoff.Retry(func() error {
		err := c.doOnce(ctx, path, body)
		if err == ErrStepTerminal {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) doOnce(ctx context.Context, path string, body interface{}) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/steps/%s%s", c.baseURL, c.stepID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lazyaf-Step-Token", c.token)

	res, err := c.http.Do(req)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warnln("control: request error, retrying")
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		res.Body.Close()
	}()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return ErrStepTerminal
	case res.StatusCode >= 500:
		return fmt.Errorf("control: backend returned %d for %s", res.StatusCode, path)
	case res.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("control: backend returned %d for %s", res.StatusCode, path))
	}
	return nil
}
