/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package poll implements the generic "poll an HTTP endpoint until a
// terminal condition" primitive used by the message-server transports.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = 2 * time.Second

var (
	// ErrCancelled is returned when the poll's context is cancelled before a
	// terminal response arrives.
	ErrCancelled = errors.New("request cancelled")

	// ErrTimeout is returned when an optional max duration elapses. It is
	// deliberately distinct from ErrCancelled so callers can tell a closed
	// modal from an expired wait.
	ErrTimeout = errors.New("polling timed out")

	// errNoMessage marks an iteration that found nothing and should retry.
	errNoMessage = errors.New("no message available")
)

// MessageParser extracts the response message from a polled body. It reports
// false while no message is available yet.
type MessageParser func(body map[string]interface{}) (string, bool)

// ErrorParser inspects a polled body for an error posted by the remote side.
// A non-nil return terminates the poll with that error.
type ErrorParser func(body map[string]interface{}) error

type options struct {
	client      *http.Client
	interval    time.Duration
	maxDuration time.Duration
}

// Option configures a poll.
type Option func(*options)

// WithHTTPClient sets the http.Client used for the GET requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithInterval sets the polling interval.
func WithInterval(interval time.Duration) Option {
	return func(o *options) {
		o.interval = interval
	}
}

// WithMaxDuration bounds the total time spent polling. When the bound is
// exceeded the poll fails with ErrTimeout. The default is no bound: polling
// continues until success, error or cancellation.
func WithMaxDuration(d time.Duration) Option {
	return func(o *options) {
		o.maxDuration = d
	}
}

// Poll issues a GET to url until a terminal condition is reached. The first
// request is issued immediately, subsequent requests once per interval, and
// requests of one poll never overlap. Each response body is decoded as JSON
// and handed to parseError first (a non-nil error terminates the poll), then
// to parseMessage (a found message terminates it successfully). A
// transport-level error on the GET itself terminates the poll immediately.
// Cancelling ctx terminates it with ErrCancelled at the next iteration.
func Poll(ctx context.Context, url string, parseMessage MessageParser, parseError ErrorParser, opts ...Option) (string, error) {
	o := &options{
		client:   http.DefaultClient,
		interval: DefaultInterval,
	}

	for _, opt := range opts {
		opt(o)
	}

	var deadline time.Time
	if o.maxDuration > 0 {
		deadline = time.Now().Add(o.maxDuration)
	}

	var message string

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ErrCancelled)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return backoff.Permanent(ErrTimeout)
		}

		body, err := get(ctx, o.client, url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ErrCancelled)
			}

			return backoff.Permanent(err)
		}

		if err := parseError(body); err != nil {
			return backoff.Permanent(err)
		}

		if msg, ok := parseMessage(body); ok {
			message = msg
			return nil
		}

		return errNoMessage
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(o.interval), ctx)

	if err := backoff.Retry(operation, b); err != nil {
		if errors.Is(err, context.Canceled) {
			return "", ErrCancelled
		}

		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}

		return "", err
	}

	return message, nil
}

func get(ctx context.Context, client *http.Client, url string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", url, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("poll %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}

	body := map[string]interface{}{}

	if len(data) == 0 {
		return body, nil
	}

	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}

	return body, nil
}
