/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package connect is the composition root of the transport library. A
// Transport is constructed once per consuming application; its Send picks a
// delivery channel from the runtime environment and configuration, and
// OnResponse correlates asynchronous wallet responses back to the caller's
// request ids.
package connect

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/mssola/user_agent"

	"github.com/uport-project/go-uport-transports/pkg/transport"
	"github.com/uport-project/go-uport-transports/pkg/transport/message"
	"github.com/uport-project/go-uport-transports/pkg/transport/messageserver"
	"github.com/uport-project/go-uport-transports/pkg/transport/push"
	"github.com/uport-project/go-uport-transports/pkg/transport/qr"
	"github.com/uport-project/go-uport-transports/pkg/transport/ui"
	urltransport "github.com/uport-project/go-uport-transports/pkg/transport/url"
)

// ErrMissingRequestID is returned by Send when no request id is supplied.
// The id is the correlation key; its absence is a usage error.
var ErrMissingRequestID = errors.New("requires request id")

var logger = log.New("uport-transports/connect")

// SendOpts are the per-request options of Send. Zero values are valid.
type SendOpts struct {
	// Data is opaque application data echoed back with the response.
	Data string

	// RedirectURL is where the wallet returns control to (URL transport).
	RedirectURL string

	// Type is the callback type, "post" or "redirect". On the mobile path it
	// defaults to "redirect" when neither Type nor RedirectURL is given; no
	// other path applies a default.
	Type string

	// Cancel is invoked when the user dismisses the QR modal.
	Cancel func()
}

// Transport selects among the URL, push and QR transports and correlates
// responses to request ids. Construct one per application with New.
type Transport struct {
	mobile           bool
	modal            ui.Modal
	client           *http.Client
	messageServerURL string
	pollingInterval  time.Duration
	qrTitle          string
	appURL           string
	pushServiceURL   string

	url *urltransport.Transport
	bus *bus

	pushMu   sync.RWMutex
	pushSend *push.Transport

	slotMu sync.Mutex
	slot   *transport.Response
}

type config struct {
	mobile           bool
	pushToken        string
	publicEncKey     string
	qrTitle          string
	modal            ui.Modal
	client           *http.Client
	messageServerURL string
	pollingInterval  time.Duration
	appURL           string
	pushServiceURL   string
	initialURL       string
	navigate         urltransport.Navigator
}

// Option configures a Transport.
type Option func(*config)

// WithUserAgent supplies the browser user-agent string; mobile environments
// select the URL transport. Detection happens once, at construction.
func WithUserAgent(ua string) Option {
	return func(c *config) {
		c.mobile = user_agent.New(ua).Mobile()
	}
}

// WithMobile forces the mobile-environment flag, for hosts that know their
// environment without a user agent.
func WithMobile(mobile bool) Option {
	return func(c *config) {
		c.mobile = mobile
	}
}

// WithPushInfo supplies a user's push token and public encryption key,
// jointly enabling push transport selection.
func WithPushInfo(pushToken, publicEncKey string) Option {
	return func(c *config) {
		c.pushToken = pushToken
		c.publicEncKey = publicEncKey
	}
}

// WithQRTitle customizes the text shown in the QR modal.
func WithQRTitle(title string) Option {
	return func(c *config) {
		c.qrTitle = title
	}
}

// WithModal sets the UI modal collaborator. Defaults to a no-op modal.
func WithModal(modal ui.Modal) Option {
	return func(c *config) {
		c.modal = modal
	}
}

// WithHTTPClient sets the http.Client shared by the network transports.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.client = client
	}
}

// WithMessageServerURL sets the relay message server base URL.
func WithMessageServerURL(baseURL string) Option {
	return func(c *config) {
		c.messageServerURL = baseURL
	}
}

// WithPollingInterval sets the message-server polling interval.
func WithPollingInterval(interval time.Duration) Option {
	return func(c *config) {
		c.pollingInterval = interval
	}
}

// WithAppURL sets the application's own URL, used as the fragment-based
// callback on mobile.
func WithAppURL(appURL string) Option {
	return func(c *config) {
		c.appURL = appURL
	}
}

// WithPushServiceURL sets the push notification service base URL.
func WithPushServiceURL(serviceURL string) Option {
	return func(c *config) {
		c.pushServiceURL = serviceURL
	}
}

// WithInitialURL supplies the URL the application was loaded with. A
// response already present in its fragment (the wallet redirected back
// before this Transport existed) is held in a one-shot slot and consumed by
// the first matching OnResponse call.
func WithInitialURL(rawURL string) Option {
	return func(c *config) {
		c.initialURL = rawURL
	}
}

// WithNavigator sets the navigation handler of the URL transport.
func WithNavigator(navigate urltransport.Navigator) Option {
	return func(c *config) {
		c.navigate = navigate
	}
}

// New creates the transport selector.
func New(opts ...Option) *Transport {
	c := &config{
		modal:            ui.Noop{},
		client:           http.DefaultClient,
		messageServerURL: messageserver.DefaultURL,
		pollingInterval:  messageserver.DefaultPollingInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	t := &Transport{
		mobile:           c.mobile,
		modal:            c.modal,
		client:           c.client,
		messageServerURL: c.messageServerURL,
		pollingInterval:  c.pollingInterval,
		qrTitle:          c.qrTitle,
		appURL:           c.appURL,
		pushServiceURL:   c.pushServiceURL,
		url:              urltransport.New(urltransport.WithNavigator(c.navigate)),
		bus:              newBus(),
	}

	if c.initialURL != "" {
		t.slot = urltransport.ParseResponse(c.initialURL)
	}

	t.SetPushInfo(c.pushToken, c.publicEncKey)

	return t
}

// SetPushInfo derives the push sender from a push token and public
// encryption key. Both empty disables push selection; this may be called
// again whenever fresh credentials arrive.
func (t *Transport) SetPushInfo(pushToken, publicEncKey string) {
	t.pushMu.Lock()
	defer t.pushMu.Unlock()

	if pushToken == "" || publicEncKey == "" {
		t.pushSend = nil
		return
	}

	pushOpts := []push.Option{push.WithHTTPClient(t.client)}
	if t.pushServiceURL != "" {
		pushOpts = append(pushOpts, push.WithServiceURL(t.pushServiceURL))
	}

	sender, err := push.New(pushToken, publicEncKey, pushOpts...)
	if err != nil {
		logger.Errorf("configure push transport: %v", err)
		t.pushSend = nil

		return
	}

	t.pushSend = sender
}

// Send dispatches a request through the transport matching the environment:
// the URL transport on mobile, push when credentials are configured, the QR
// modal otherwise. id is the caller-chosen correlation key and must be
// unique among outstanding requests; responses are delivered through
// OnResponse or Subscribe for the same id.
func (t *Transport) Send(tokenOrURI, id string, opts *SendOpts) error {
	if id == "" {
		return ErrMissingRequestID
	}

	if opts == nil {
		opts = &SendOpts{}
	}

	if t.mobile {
		o := *opts
		if o.Type == "" && o.RedirectURL == "" {
			o.Type = "redirect"
		}

		return t.sendURL(tokenOrURI, id, &o)
	}

	if sender := t.pushSender(); sender != nil {
		return t.sendPush(sender, tokenOrURI, id, opts.Data)
	}

	return t.sendQR(tokenOrURI, id, opts.Data, opts.Cancel)
}

// OnResponse blocks until the first response for id and deregisters. A
// response that arrived through the URL before this Transport was
// constructed is consumed first. A response carrying an error is returned
// as that error.
func (t *Transport) OnResponse(ctx context.Context, id string) (*transport.Response, error) {
	if res := t.takeSlot(id); res != nil {
		return unwrap(res)
	}

	ch, unsubscribe := t.bus.subscribeOnce(id)
	defer unsubscribe()

	select {
	case res := <-ch:
		return unwrap(res)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers cb for every response published for id until the
// returned unsubscribe func is called. cb receives the response error, if
// any, as its first argument.
func (t *Transport) Subscribe(id string, cb func(err error, res *transport.Response)) func() {
	if res := t.takeSlot(id); res != nil {
		r, err := unwrap(res)
		cb(err, r)
	}

	return t.bus.subscribe(id, func(res *transport.Response) {
		r, err := unwrap(res)
		cb(err, r)
	})
}

// HandleRedirect consumes a redirect-back URL: a response present in its
// fragment is published under its id, and the URL is returned with the
// response parameters stripped so the host can repair its address bar.
func (t *Transport) HandleRedirect(rawURL string) string {
	res, stripped := urltransport.HandleRedirect(rawURL)
	if res != nil {
		t.bus.publish(res.ID, res)
	}

	return stripped
}

// CallbackURL returns where a request's response should be sent, decided
// before the caller constructs the request token: the application's own URL
// on mobile (the response comes back in the fragment), a fresh
// message-server topic otherwise.
func (t *Transport) CallbackURL(id string) string {
	if t.mobile {
		// self as relay: the wallet appends the response to this fragment,
		// and the id makes the eventual fragment recognizable as a response
		return message.ToFragment(t.appURL, map[string]string{"id": id})
	}

	return messageserver.GenCallback(t.messageServerURL)
}

func (t *Transport) sendURL(tokenOrURI, id string, opts *SendOpts) error {
	// fire and forget: the response comes back in a later page load
	_, err := t.url.Send(tokenOrURI, urltransport.SendOpts{
		ID:          id,
		Data:        opts.Data,
		Type:        opts.Type,
		RedirectURL: opts.RedirectURL,
	})

	return err
}

func (t *Transport) sendPush(sender *push.Transport, tokenOrURI, id, data string) error {
	fallback := func() {
		if err := t.sendQR(tokenOrURI, id, data, nil); err != nil {
			logger.Errorf("push fallback to qr: %v", err)
		}
	}

	if !messageserver.IsMessageServerCallback(tokenOrURI, t.messageServerURL) {
		// fire and forget push request
		go func() {
			if _, err := sender.SendAndNotify(context.Background(), tokenOrURI, t.modal, fallback); err != nil {
				logger.Errorf("push send: %v", err)
			}
		}()

		return nil
	}

	handler := func(ctx context.Context, uri string, cancel func()) {
		go func() {
			if _, err := sender.SendAndNotify(ctx, uri, t.modal, fallback); err != nil {
				logger.Errorf("push send: %v", err)
			}
		}()
	}

	mst, err := messageserver.New(handler,
		messageserver.WithBaseURL(t.messageServerURL),
		messageserver.WithPollingInterval(t.pollingInterval),
		messageserver.WithHTTPClient(t.client))
	if err != nil {
		return err
	}

	go func() {
		res, err := mst.Send(context.Background(), tokenOrURI)

		t.modal.Close()
		t.publish(id, res, data, err)
	}()

	return nil
}

func (t *Transport) sendQR(tokenOrURI, id, data string, cancel func()) error {
	if !messageserver.IsMessageServerCallback(tokenOrURI, t.messageServerURL) {
		// fire and forget qr request
		sender := qr.NewSender(t.modal, t.qrTitle)
		sender.Send(context.Background(), tokenOrURI, qr.SendOpts{Cancel: cancel})

		return nil
	}

	sender, err := qr.NewChasquiSender(t.modal,
		qr.WithBaseURL(t.messageServerURL),
		qr.WithPollingInterval(t.pollingInterval),
		qr.WithHTTPClient(t.client),
		qr.WithDisplayText(t.qrTitle))
	if err != nil {
		return err
	}

	go func() {
		res, err := sender.Send(context.Background(), tokenOrURI)
		t.publish(id, res, data, err)
	}()

	return nil
}

// publish places one terminal outcome for id on the correlation bus.
func (t *Transport) publish(id, payload, data string, err error) {
	res := &transport.Response{ID: id, Payload: payload, Data: data}
	if err != nil {
		res.Payload = ""
		res.Error = err.Error()
	}

	t.bus.publish(id, res)
}

func (t *Transport) pushSender() *push.Transport {
	t.pushMu.RLock()
	defer t.pushMu.RUnlock()

	return t.pushSend
}

// takeSlot consumes the one-shot URL-arrival slot when it matches id.
func (t *Transport) takeSlot(id string) *transport.Response {
	t.slotMu.Lock()
	defer t.slotMu.Unlock()

	if t.slot == nil || t.slot.ID != id {
		return nil
	}

	res := t.slot
	t.slot = nil

	return res
}

func unwrap(res *transport.Response) (*transport.Response, error) {
	if res.Error != "" {
		return res, errors.New(res.Error)
	}

	return res, nil
}
