/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package url implements the deep-link transport used on mobile browsers:
// the request is formatted as a navigable URI and the response arrives as
// URL fragment parameters after the wallet redirects back.
package url

import (
	"net/url"
	"strings"

	"github.com/uport-project/go-uport-transports/pkg/transport"
	"github.com/uport-project/go-uport-transports/pkg/transport/message"
)

// responseKeys are the fragment parameters that may carry the response
// payload, checked in order. Exactly one of them is the payload of a
// response; a fragment without an id is not a response at all.
var responseKeys = []string{"access_token", "verification", "typedDataSig", "personalSig", "tx"}

// strippedKeys are the fragment parameters removed by StripResponse.
// Unrelated fragment parameters the host page was already using survive.
var strippedKeys = append([]string{"id", "data", "error"}, responseKeys...)

// Navigator triggers navigation of the browsing context to a request URI.
type Navigator func(uri string) error

// SendOpts are the per-request options of the URL transport.
type SendOpts struct {
	// ID is the correlation id echoed back in the response fragment.
	ID string

	// Data is opaque application data echoed back unchanged.
	Data string

	// Type is the callback type, "post" or "redirect".
	Type string

	// RedirectURL is where the wallet should return control to. ID and Data
	// are placed on its fragment so they survive the round trip.
	RedirectURL string
}

// Transport is the URL (deep-link) transport.
type Transport struct {
	navigate Navigator
}

// Option configures a Transport.
type Option func(*Transport)

// WithNavigator sets the navigation handler invoked with the composed
// request URI. Without one, Send only returns the URI and the caller
// performs the redirect itself.
func WithNavigator(navigate Navigator) Option {
	return func(t *Transport) {
		t.navigate = navigate
	}
}

// New creates a URL transport.
func New(opts ...Option) *Transport {
	t := &Transport{}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Send composes the navigable request URI and fires the navigator. It is
// fire-and-forget: the response, if any, comes back through the URL
// fragment of a later page load. The composed URI is returned so hosts
// without a navigator can issue the redirect themselves.
func (t *Transport) Send(tokenOrURI string, opts SendOpts) (string, error) {
	uri := message.ToURI(tokenOrURI)

	if opts.Type != "" {
		uri = message.ToQueryString(uri, map[string]string{"callback_type": opts.Type})
	}

	if opts.RedirectURL != "" {
		redirect := message.ToFragment(opts.RedirectURL, map[string]string{
			"data": opts.Data,
			"id":   opts.ID,
		})
		uri = message.ToQueryString(uri, map[string]string{"redirect_url": redirect})
	}

	if t.navigate != nil {
		if err := t.navigate(uri); err != nil {
			return uri, err
		}
	}

	return uri, nil
}

// ParseResponse reads a response from a URL fragment, given either a full
// URL or the bare fragment. A fragment without an id is not a response and
// yields nil.
func ParseResponse(urlOrFragment string) *transport.Response {
	fragment := urlOrFragment
	if i := strings.LastIndex(urlOrFragment, "#"); i >= 0 {
		fragment = urlOrFragment[i+1:]
	}

	values, err := url.ParseQuery(fragment)
	if err != nil {
		return nil
	}

	id := values.Get("id")
	if id == "" {
		return nil
	}

	res := &transport.Response{
		ID:   id,
		Data: values.Get("data"),
	}

	if errText := values.Get("error"); errText != "" {
		res.Error = errText
		return res
	}

	for _, key := range responseKeys {
		if val := values.Get(key); val != "" {
			res.Payload = val
			break
		}
	}

	return res
}

// StripResponse removes exactly the recognized response keys from rawURL's
// fragment, preserving any unrelated fragment parameters and their order.
// Hosts apply the result back to the address bar so a response is consumed
// only once.
func StripResponse(rawURL string) string {
	i := strings.LastIndex(rawURL, "#")
	if i < 0 {
		return rawURL
	}

	base, fragment := rawURL[:i], rawURL[i+1:]

	var kept []string

	for _, pair := range strings.Split(fragment, "&") {
		if pair == "" {
			continue
		}

		key := pair
		if j := strings.Index(pair, "="); j >= 0 {
			key = pair[:j]
		}

		if !isStrippedKey(key) {
			kept = append(kept, pair)
		}
	}

	if len(kept) == 0 {
		return base
	}

	return base + "#" + strings.Join(kept, "&")
}

// HandleRedirect parses a redirect-back URL into a response (nil when none
// is present) and returns the URL with the response parameters stripped.
func HandleRedirect(rawURL string) (*transport.Response, string) {
	return ParseResponse(rawURL), StripResponse(rawURL)
}

func isStrippedKey(key string) bool {
	for _, k := range strippedKeys {
		if key == k {
			return true
		}
	}

	return false
}
