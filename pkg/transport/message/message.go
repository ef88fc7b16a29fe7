/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package message formats wallet request messages into request URIs and
// injects transport parameters into their query and fragment components.
// A request message is an opaque signed token (JWT); this package never
// validates signatures, it only wraps tokens in URIs and reads claims.
package message

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-jose/go-jose/v3/json"
)

// RequestURIBase is the deep-link prefix understood by the wallet app.
const RequestURIBase = "https://id.uport.me/req/"

// queryParamKeys is the allow-list of parameters that may be injected into
// the query component of a request URI. Both the legacy `type` key and its
// successor `callback_type` are admitted; transports emit the latter.
var queryParamKeys = []string{
	"value", "function", "bytecode", "label", "callback_url", "redirect_url",
	"client_id", "network_id", "gas", "gasPrice", "type", "callback_type",
}

// fragmentParamKeys is the allow-list for the fragment component.
var fragmentParamKeys = []string{"data", "id"}

var jwtRegex = regexp.MustCompile(`^([a-zA-Z0-9_=-]+)\.([a-zA-Z0-9_=-]+)\.([a-zA-Z0-9_\-+/=]*)$`)

// ToQueryString appends each allow-listed, non-empty entry of params to the
// query component of uri, URL-encoded, choosing `?` or `&` depending on
// whether a query component already exists. An existing fragment is
// preserved and re-appended after the new parameters. Keys are visited in a
// fixed order, so the result is stable for a given input.
func ToQueryString(uri string, params map[string]string) string {
	base, fragment := splitFragment(uri)

	for _, key := range queryParamKeys {
		val := params[key]
		if val == "" {
			continue
		}

		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}

		base += sep + key + "=" + url.QueryEscape(val)
	}

	if fragment != "" {
		return base + "#" + fragment
	}

	return base
}

// ToFragment appends each allow-listed, non-empty entry of params to the
// fragment component of uri, URL-encoded, choosing `#` or `&` depending on
// whether a fragment already exists.
func ToFragment(uri string, params map[string]string) string {
	for _, key := range fragmentParamKeys {
		val := params[key]
		if val == "" {
			continue
		}

		sep := "#"
		if strings.Contains(uri, "#") {
			sep = "&"
		}

		uri += sep + key + "=" + url.QueryEscape(val)
	}

	return uri
}

// QueryParams returns the query parameters of a request URI, URL-decoded.
// Malformed query strings yield an empty map.
func QueryParams(uri string) map[string]string {
	params := map[string]string{}

	base, _ := splitFragment(uri)

	i := strings.Index(base, "?")
	if i < 0 {
		return params
	}

	values, err := url.ParseQuery(base[i+1:])
	if err != nil {
		return params
	}

	for key, vals := range values {
		if len(vals) > 0 && vals[0] != "" {
			params[key] = vals[0]
		}
	}

	return params
}

// IsJWT reports whether s has the shape of a compact-serialized JWT.
func IsJWT(s string) bool {
	return jwtRegex.MatchString(s)
}

// ToRequestURI wraps a request token in a wallet deep-link URI.
func ToRequestURI(token string) string {
	return RequestURIBase + token
}

// ToURI returns tokenOrURI as a request URI, wrapping bare tokens and
// passing through strings that are already URIs.
func ToURI(tokenOrURI string) string {
	if IsJWT(tokenOrURI) {
		return ToRequestURI(tokenOrURI)
	}

	return tokenOrURI
}

// TokenFromURI extracts the bare request token from a request URI, dropping
// the deep-link prefix and any query or fragment component. Bare tokens are
// returned unchanged.
func TokenFromURI(uri string) string {
	token := strings.TrimPrefix(uri, RequestURIBase)

	if i := strings.IndexAny(token, "?#"); i >= 0 {
		token = token[:i]
	}

	return token
}

// Callback returns the callback claim embedded in a request token, decoding
// the token payload without validating its signature. The boolean reports
// whether a non-empty callback claim is present; malformed tokens simply
// report false.
func Callback(tokenOrURI string) (string, bool) {
	token := TokenFromURI(tokenOrURI)

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return "", false
	}

	var claims struct {
		Callback string `json:"callback"`
	}

	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}

	return claims.Callback, claims.Callback != ""
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}

func splitFragment(uri string) (string, string) {
	if i := strings.Index(uri, "#"); i >= 0 {
		return uri[:i], uri[i+1:]
	}

	return uri, ""
}
