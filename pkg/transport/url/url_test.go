/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package url

import (
	neturl "net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

const testToken = "eyJhbGciOiJFUzI1NksifQ.eyJpc3MiOiJkaWQifQ.sig"

func TestSend(t *testing.T) {
	t.Run("formats the request uri", func(t *testing.T) {
		uri, err := New().Send(testToken, SendOpts{})
		require.NoError(t, err)
		require.Equal(t, "https://id.uport.me/req/"+testToken, uri)
	})

	t.Run("appends the callback type", func(t *testing.T) {
		uri, err := New().Send(testToken, SendOpts{Type: "redirect"})
		require.NoError(t, err)
		require.Equal(t, "https://id.uport.me/req/"+testToken+"?callback_type=redirect", uri)
	})

	t.Run("places id and data on the redirect url fragment", func(t *testing.T) {
		uri, err := New().Send(testToken, SendOpts{
			ID:          "req1",
			Data:        "state",
			RedirectURL: "https://app.example/return",
		})
		require.NoError(t, err)

		parsed, err := neturl.Parse(uri)
		require.NoError(t, err)

		redirect, err := neturl.Parse(parsed.Query().Get("redirect_url"))
		require.NoError(t, err)

		values, err := neturl.ParseQuery(redirect.Fragment)
		require.NoError(t, err)
		require.Equal(t, "req1", values.Get("id"))
		require.Equal(t, "state", values.Get("data"))
	})

	t.Run("invokes the navigator with the composed uri", func(t *testing.T) {
		var navigated string

		transport := New(WithNavigator(func(uri string) error {
			navigated = uri
			return nil
		}))

		uri, err := transport.Send(testToken, SendOpts{Type: "redirect"})
		require.NoError(t, err)
		require.Equal(t, uri, navigated)
	})
}

func TestParseResponse(t *testing.T) {
	t.Run("reads the payload, id and data", func(t *testing.T) {
		res := ParseResponse("https://app.example/return#access_token=ABC&id=req1&data=foo")
		require.NotNil(t, res)
		require.Equal(t, "req1", res.ID)
		require.Equal(t, "ABC", res.Payload)
		require.Equal(t, "foo", res.Data)
		require.Empty(t, res.Error)
	})

	t.Run("accepts a bare fragment", func(t *testing.T) {
		res := ParseResponse("tx=0xdeadbeef&id=req2")
		require.NotNil(t, res)
		require.Equal(t, "req2", res.ID)
		require.Equal(t, "0xdeadbeef", res.Payload)
	})

	t.Run("reads an error response", func(t *testing.T) {
		res := ParseResponse("#error=access_denied&id=req1")
		require.NotNil(t, res)
		require.Equal(t, "req1", res.ID)
		require.Equal(t, "access_denied", res.Error)
		require.Empty(t, res.Payload)
	})

	t.Run("a fragment without an id is not a response", func(t *testing.T) {
		require.Nil(t, ParseResponse("https://app.example/return#access_token=ABC"))
		require.Nil(t, ParseResponse("https://app.example/return"))
		require.Nil(t, ParseResponse("https://app.example/return#state=unrelated"))
	})

	t.Run("checks response keys in order", func(t *testing.T) {
		res := ParseResponse("#tx=0x1&access_token=ABC&id=req1")
		require.NotNil(t, res)
		require.Equal(t, "ABC", res.Payload)
	})
}

func TestStripResponse(t *testing.T) {
	t.Run("removes the response parameters", func(t *testing.T) {
		require.Equal(t, "https://app.example/return",
			StripResponse("https://app.example/return#access_token=ABC&id=req1&data=foo"))
	})

	t.Run("preserves unrelated fragment parameters", func(t *testing.T) {
		require.Equal(t, "https://app.example/return#state=abc&page=2",
			StripResponse("https://app.example/return#state=abc&access_token=ABC&page=2&id=req1"))
	})

	t.Run("leaves urls without a fragment alone", func(t *testing.T) {
		require.Equal(t, "https://app.example/return?q=1",
			StripResponse("https://app.example/return?q=1"))
	})
}

func TestHandleRedirect(t *testing.T) {
	res, stripped := HandleRedirect("https://app.example/return#unrelated=1&personalSig=0xsig&id=req3")

	require.NotNil(t, res)
	require.Equal(t, "req3", res.ID)
	require.Equal(t, "0xsig", res.Payload)
	require.Equal(t, "https://app.example/return#unrelated=1", stripped)
}
