/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package push delivers encrypted request payloads to a user's device
// through a push-notification service, on behalf of a caller holding the
// user's push token and public encryption key.
package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/pkg/errors"

	"github.com/uport-project/go-uport-transports/pkg/transport/crypto"
	"github.com/uport-project/go-uport-transports/pkg/transport/message"
	"github.com/uport-project/go-uport-transports/pkg/transport/ui"
)

// DefaultServiceURL is the uPort-operated push service.
const DefaultServiceURL = "https://api.uport.me/pututu/sns/"

// PadInterval is the padding granularity applied to the notification body
// before encryption. Historically distinct from the 64-byte block padding in
// the crypto package; the two are kept separate on purpose.
const PadInterval = 50

// ErrInvalidToken is returned when the push service rejects the push token.
var ErrInvalidToken = errors.New("push notification rejected: invalid token")

var logger = log.New("uport-transports/push")

// Transport sends push notifications for one recipient.
type Transport struct {
	token       string
	pubEncKey   string
	serviceURL  string
	padInterval int
	client      *http.Client
}

// Option configures a Transport.
type Option func(*Transport)

// WithServiceURL sets the push service endpoint.
func WithServiceURL(serviceURL string) Option {
	return func(t *Transport) {
		t.serviceURL = serviceURL
	}
}

// WithPadInterval overrides the notification padding granularity.
func WithPadInterval(interval int) Option {
	return func(t *Transport) {
		t.padInterval = interval
	}
}

// WithHTTPClient sets the http.Client used for dispatch.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// New creates a push Transport for the recipient identified by the push
// token and base64 public encryption key. Both are mandatory.
func New(token, pubEncKey string, opts ...Option) (*Transport, error) {
	if token == "" {
		return nil, errors.New("missing push notification token")
	}

	if pubEncKey == "" {
		return nil, errors.New("missing public encryption key of the receiver")
	}

	t := &Transport{
		token:       token,
		pubEncKey:   pubEncKey,
		serviceURL:  DefaultServiceURL,
		padInterval: PadInterval,
		client:      http.DefaultClient,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Send encrypts the request for the recipient and posts it to the push
// service. A full request URI is reduced to its bare token first. The raw
// service response body is returned on success; a 403 maps to
// ErrInvalidToken and any other non-200 status to an error carrying the
// status code and body.
func (t *Transport) Send(ctx context.Context, msg string) (string, error) {
	if msg == "" {
		return "", errors.New("missing request message to push")
	}

	plaintext, err := json.Marshal(map[string]string{"message": message.TokenFromURI(msg)})
	if err != nil {
		return "", errors.Wrap(err, "encode notification body")
	}

	env, err := crypto.Encrypt(padNotification(string(plaintext), t.padInterval), t.pubEncKey)
	if err != nil {
		return "", errors.Wrap(err, "encrypt notification")
	}

	envJSON, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "encode encrypted envelope")
	}

	body, err := json.Marshal(map[string]string{"message": string(envJSON)})
	if err != nil {
		return "", errors.Wrap(err, "encode push request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serviceURL, strings.NewReader(string(body)))
	if err != nil {
		return "", errors.Wrap(err, "build push request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "send push notification")
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read push response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		logger.Debugf("push notification delivered")
		return string(respBody), nil
	case http.StatusForbidden:
		return "", ErrInvalidToken
	default:
		return "", errors.Errorf("push send failed, status=%d: %s", resp.StatusCode, respBody)
	}
}

// SendAndNotify dispatches msg and concurrently raises the "push sent"
// notice on the modal. fallback is handed to the modal so the user can
// retry through another transport (typically QR) without losing the
// original message.
func (t *Transport) SendAndNotify(ctx context.Context, msg string, modal ui.Modal, fallback func()) (string, error) {
	go modal.NotifyPushSent(fallback)

	return t.Send(ctx, msg)
}

// padNotification pads the notification body with spaces to a multiple of
// interval, always adding at least one. This is the historical push padding
// scheme; see PadInterval.
func padNotification(body string, interval int) string {
	if interval <= 0 {
		interval = PadInterval
	}

	return body + strings.Repeat(" ", interval-len(body)%interval)
}
