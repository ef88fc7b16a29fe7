/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package messageserver implements the relay ("chasqui") transport: the
// request is delivered by an arbitrary URI handler while the response is
// always returned through a message-server topic that is polled until the
// wallet posts to it.
package messageserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/uport-project/go-uport-transports/pkg/transport/message"
	"github.com/uport-project/go-uport-transports/pkg/transport/poll"
)

// DefaultURL is the uPort-operated message server.
const DefaultURL = "https://api.uport.me/chasqui/"

// DefaultPollingInterval is the topic polling interval.
const DefaultPollingInterval = 2 * time.Second

// ResponseKeys are the topic message fields that may carry the response
// payload, checked in order; the first present value wins. The URL transport
// keeps its own, slightly different list.
var ResponseKeys = []string{"access_token", "tx", "typedDataSig", "personalSig"}

// ErrNotMessageServerRequest is returned when a request carries neither a
// callback claim nor a callback_url parameter, so no topic can be polled.
var ErrNotMessageServerRequest = errors.New("not a message server request: no callback to poll")

var logger = log.New("uport-transports/messageserver")

// URIHandler delivers a formatted request URI to the wallet. Delivery is
// fire-and-forget; cancel aborts the response poll when the handler's UI is
// dismissed.
type URIHandler func(ctx context.Context, uri string, cancel func())

// Transport sends requests through a URIHandler and returns responses
// through a message-server topic.
type Transport struct {
	handler  URIHandler
	baseURL  string
	interval time.Duration
	client   *http.Client
}

// Option configures a Transport.
type Option func(*Transport)

// WithBaseURL sets the message server base URL.
func WithBaseURL(baseURL string) Option {
	return func(t *Transport) {
		t.baseURL = baseURL
	}
}

// WithPollingInterval sets the topic polling interval.
func WithPollingInterval(interval time.Duration) Option {
	return func(t *Transport) {
		t.interval = interval
	}
}

// WithHTTPClient sets the http.Client used for polling and topic cleanup.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// New creates a Transport delivering requests through handler.
func New(handler URIHandler, opts ...Option) (*Transport, error) {
	if handler == nil {
		return nil, errors.New("uri handler is required")
	}

	t := &Transport{
		handler:  handler,
		baseURL:  DefaultURL,
		interval: DefaultPollingInterval,
		client:   http.DefaultClient,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Send formats the request, hands it to the URI handler and polls the
// request's topic until the wallet responds. It blocks until a response,
// an error or cancellation of ctx; the handler additionally receives a
// cancel func tied to the same poll. The topic is deleted best-effort once
// a response has been consumed.
func (t *Transport) Send(ctx context.Context, tokenOrURI string) (string, error) {
	callback, ok := CallbackURL(tokenOrURI)
	if !ok {
		return "", ErrNotMessageServerRequest
	}

	uri := message.ToQueryString(message.ToURI(tokenOrURI), map[string]string{"callback_type": "post"})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.handler(ctx, uri, cancel)

	res, err := poll.Poll(ctx, callback, parseMessage, parseError,
		poll.WithInterval(t.interval), poll.WithHTTPClient(t.client))
	if err != nil {
		return "", errors.Wrapf(err, "poll topic %s", callback)
	}

	t.clearTopic(callback)

	return res, nil
}

// CallbackURL resolves the topic URL a request's response will be posted to:
// the token's embedded callback claim when present, otherwise the request
// URI's callback_url query parameter. The boolean reports whether either
// was found.
func CallbackURL(tokenOrURI string) (string, bool) {
	if cb, ok := message.Callback(tokenOrURI); ok {
		return cb, true
	}

	if cb := message.QueryParams(tokenOrURI)["callback_url"]; cb != "" {
		return cb, true
	}

	return "", false
}

// IsMessageServerCallback reports whether the request's callback points at
// the given message server, i.e. whether this transport can carry its
// response.
func IsMessageServerCallback(tokenOrURI, baseURL string) bool {
	cb, ok := CallbackURL(tokenOrURI)

	return ok && strings.HasPrefix(cb, FormatURL(baseURL))
}

// FormatURL normalizes a message server base URL to its topic prefix,
// tolerating the historical base forms with and without trailing slash or
// topic path.
func FormatURL(baseURL string) string {
	switch {
	case strings.HasSuffix(baseURL, "/topic/"):
		return baseURL
	case strings.HasSuffix(baseURL, "/topic"):
		return baseURL + "/"
	case strings.HasSuffix(baseURL, "/"):
		return baseURL + "topic/"
	default:
		return baseURL + "/topic/"
	}
}

// GenCallback returns a fresh topic URL on the given message server.
func GenCallback(baseURL string) string {
	return FormatURL(baseURL) + uuid.New().String()
}

// CreateTopic creates a message-server topic holding the given payload and
// returns the topic URL taken from the Location header of the 201 response.
func CreateTopic(ctx context.Context, baseURL string, payload interface{}, client *http.Client) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal topic payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, FormatURL(baseURL), strings.NewReader(string(body)))
	if err != nil {
		return "", errors.Wrap(err, "build topic request")
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "create topic")
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		return "", errors.Errorf("failed to create topic: status %d", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", errors.New("failed to create topic: no Location header")
	}

	if strings.HasPrefix(location, "http") {
		return location, nil
	}

	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(location, "/"), nil
}

// clearTopic deletes a consumed topic. Deletion is a detached best-effort
// task: failures are logged and never escalate to the caller, whose
// operation has already completed.
func (t *Transport) clearTopic(topicURL string) {
	go func() {
		req, err := http.NewRequest(http.MethodDelete, topicURL, nil)
		if err != nil {
			logger.Warnf("build topic delete request for %s: %v", topicURL, err)
			return
		}

		resp, err := t.client.Do(req)
		if err != nil {
			logger.Warnf("clear topic %s: %v", topicURL, err)
			return
		}

		_ = resp.Body.Close()
	}()
}

// topicMessage is the message object posted to a topic. The wallet has used
// two shapes over time: the message object directly, or wrapped as a
// JSON-encoded string under content.
type topicMessage struct {
	Content string `json:"content" mapstructure:"content"`
	Error   string `json:"error" mapstructure:"error"`

	AccessToken  string `json:"access_token" mapstructure:"access_token"`
	Tx           string `json:"tx" mapstructure:"tx"`
	TypedDataSig string `json:"typedDataSig" mapstructure:"typedDataSig"`
	PersonalSig  string `json:"personalSig" mapstructure:"personalSig"`
}

func (m *topicMessage) payload() (string, bool) {
	for _, p := range []string{m.AccessToken, m.Tx, m.TypedDataSig, m.PersonalSig} {
		if p != "" {
			return p, true
		}
	}

	return "", false
}

func messageFromBody(body map[string]interface{}) (*topicMessage, error) {
	raw, ok := body["message"]
	if !ok || raw == nil {
		return nil, nil
	}

	var msg topicMessage

	if err := mapstructure.Decode(raw, &msg); err != nil {
		return nil, errors.Wrap(err, "decode topic message")
	}

	if msg.Content != "" {
		var inner topicMessage

		if err := json.Unmarshal([]byte(msg.Content), &inner); err != nil {
			return nil, errors.Wrap(err, "decode topic message content")
		}

		return &inner, nil
	}

	return &msg, nil
}

func parseMessage(body map[string]interface{}) (string, bool) {
	msg, err := messageFromBody(body)
	if err != nil || msg == nil {
		return "", false
	}

	return msg.payload()
}

func parseError(body map[string]interface{}) error {
	msg, err := messageFromBody(body)
	if err != nil {
		return err
	}

	if msg != nil && msg.Error != "" {
		return fmt.Errorf("message server error: %s", msg.Error)
	}

	return nil
}
