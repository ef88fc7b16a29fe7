/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package qr implements the QR transport: the request URI is handed to a
// modal collaborator for display as a scannable code, optionally compressed
// through a message-server topic first so the code stays small enough to
// scan reliably.
package qr

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/uport-project/go-uport-transports/pkg/transport/message"
	"github.com/uport-project/go-uport-transports/pkg/transport/messageserver"
	"github.com/uport-project/go-uport-transports/pkg/transport/ui"
)

// DefaultCompressThreshold is the message length at which requests are
// uploaded to a topic instead of being encoded literally. An empty signed
// request is ~250 characters; above ~650 the QR modal stops fitting
// comfortably on a laptop screen, and ~1500 is the ceiling for reliable
// scanning.
const DefaultCompressThreshold = 650

var logger = log.New("uport-transports/qr")

// Compressor reduces an oversize request message to something short enough
// to encode, typically by uploading it and returning a topic URL. It may
// take arbitrarily long; the QR modal opens once it returns.
type Compressor func(ctx context.Context, msg string) (string, error)

// SendOpts are the per-request options of the QR transport.
type SendOpts struct {
	// Cancel is invoked when the user dismisses the modal.
	Cancel func()

	// Compress, when set, is applied to the message before display.
	Compress Compressor
}

// Sender displays request URIs through a modal.
type Sender struct {
	modal       ui.Modal
	displayText string
}

// NewSender creates a QR Sender presenting through modal, with displayText
// shown alongside the code.
func NewSender(modal ui.Modal, displayText string) *Sender {
	if modal == nil {
		modal = ui.Noop{}
	}

	return &Sender{modal: modal, displayText: displayText}
}

// Send displays the request. With a compressor the message is compressed
// first (possibly slowly) and the modal opens when it resolves; compression
// failure surfaces a retry-capable failure state instead of an error. The
// modal's close func is returned synchronously either way.
func (s *Sender) Send(ctx context.Context, msg string, opts SendOpts) func() {
	if opts.Compress != nil {
		go func() {
			uri, err := opts.Compress(ctx, msg)
			if err != nil {
				logger.Errorf("compress request: %v", err)
				s.modal.Failure(func() {
					s.Send(ctx, msg, opts)
				})

				return
			}

			s.modal.Open(uri, opts.Cancel, s.displayText)
		}()
	} else {
		s.modal.Open(formatURI(msg), opts.Cancel, s.displayText)
	}

	return s.modal.Close
}

// ChasquiCompress returns a Compressor that leaves messages below threshold
// untouched (formatted as a request URI) and uploads larger ones to a
// message-server topic, returning the topic URL in their place.
func ChasquiCompress(baseURL string, threshold int, client *http.Client) Compressor {
	return func(ctx context.Context, msg string) (string, error) {
		if len(msg) < threshold {
			return formatURI(msg), nil
		}

		topic := map[string]string{"message": trimQuery(msg)}

		for key, val := range message.QueryParams(msg) {
			topic[key] = val
		}

		return messageserver.CreateTopic(ctx, baseURL, topic, client)
	}
}

// ChasquiSender composes the QR display with message-server response
// polling: the request goes out through the modal, the response comes back
// through the topic named by the request's callback.
type ChasquiSender struct {
	modal     ui.Modal
	transport *messageserver.Transport
}

type chasquiOptions struct {
	baseURL     string
	interval    time.Duration
	threshold   int
	client      *http.Client
	displayText string
}

// ChasquiOption configures a ChasquiSender.
type ChasquiOption func(*chasquiOptions)

// WithBaseURL sets the message server base URL.
func WithBaseURL(baseURL string) ChasquiOption {
	return func(o *chasquiOptions) {
		o.baseURL = baseURL
	}
}

// WithPollingInterval sets the topic polling interval.
func WithPollingInterval(interval time.Duration) ChasquiOption {
	return func(o *chasquiOptions) {
		o.interval = interval
	}
}

// WithCompressThreshold sets the length at which requests are uploaded to a
// topic instead of encoded literally.
func WithCompressThreshold(threshold int) ChasquiOption {
	return func(o *chasquiOptions) {
		o.threshold = threshold
	}
}

// WithHTTPClient sets the http.Client used for polling and topic uploads.
func WithHTTPClient(client *http.Client) ChasquiOption {
	return func(o *chasquiOptions) {
		o.client = client
	}
}

// WithDisplayText sets the text shown alongside the QR code.
func WithDisplayText(displayText string) ChasquiOption {
	return func(o *chasquiOptions) {
		o.displayText = displayText
	}
}

// NewChasquiSender creates a ChasquiSender.
func NewChasquiSender(modal ui.Modal, opts ...ChasquiOption) (*ChasquiSender, error) {
	o := &chasquiOptions{
		baseURL:   messageserver.DefaultURL,
		interval:  messageserver.DefaultPollingInterval,
		threshold: DefaultCompressThreshold,
		client:    http.DefaultClient,
	}

	for _, opt := range opts {
		opt(o)
	}

	sender := NewSender(modal, o.displayText)
	compress := ChasquiCompress(o.baseURL, o.threshold, o.client)

	handler := func(ctx context.Context, uri string, cancel func()) {
		sender.Send(ctx, uri, SendOpts{Cancel: cancel, Compress: compress})
	}

	mst, err := messageserver.New(handler,
		messageserver.WithBaseURL(o.baseURL),
		messageserver.WithPollingInterval(o.interval),
		messageserver.WithHTTPClient(o.client))
	if err != nil {
		return nil, err
	}

	return &ChasquiSender{modal: sender.modal, transport: mst}, nil
}

// Send displays the request and blocks until the response arrives on its
// topic, the poll fails or ctx is cancelled. The modal is closed exactly
// once on every path.
func (c *ChasquiSender) Send(ctx context.Context, msg string) (string, error) {
	var once sync.Once

	closeModal := func() {
		once.Do(c.modal.Close)
	}

	defer closeModal()

	return c.transport.Send(ctx, msg)
}

func formatURI(msg string) string {
	uri := message.ToURI(msg)

	if !strings.Contains(uri, "callback_type=") {
		uri = message.ToQueryString(uri, map[string]string{"callback_type": "post"})
	}

	return uri
}

func trimQuery(msg string) string {
	if i := strings.Index(msg, "?"); i >= 0 {
		return msg[:i]
	}

	return msg
}
