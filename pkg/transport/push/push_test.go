/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uport-project/go-uport-transports/pkg/transport/crypto"
	"github.com/uport-project/go-uport-transports/pkg/transport/message"
)

const testPushToken = "push-token-123"

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New("", "pubkey")
	require.Error(t, err)
	require.Contains(t, err.Error(), "push notification token")

	_, err = New(testPushToken, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "public encryption key")
}

func TestSend(t *testing.T) {
	pub, sec, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	var (
		authHeader string
		posted     []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		posted = []byte(body["message"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	transport, err := New(testPushToken, pub, WithServiceURL(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	token := "eyJhbGciOiJFUzI1NksifQ.eyJpc3MiOiJkaWQifQ.sig"

	res, err := transport.Send(context.Background(), message.ToRequestURI(token))
	require.NoError(t, err)
	require.Equal(t, `{"status":"success"}`, res)
	require.Equal(t, "Bearer "+testPushToken, authHeader)

	// the posted message is the JSON-encoded encrypted envelope
	var env crypto.Envelope
	require.NoError(t, json.Unmarshal(posted, &env))
	require.Equal(t, crypto.Algorithm, env.Version)

	plaintext, err := crypto.Decrypter(sec)(&env)
	require.NoError(t, err)

	// the notification body is space-padded to the push pad interval
	require.Zero(t, len(plaintext)%PadInterval)

	var notification map[string]string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimRight(plaintext, " ")), &notification))
	require.Equal(t, token, notification["message"])
}

func TestSendInvalidToken(t *testing.T) {
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	transport, err := New(testPushToken, pub, WithServiceURL(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	_, err = transport.Send(context.Background(), "message")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestSendGenericFailure(t *testing.T) {
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("database on fire"))
	}))
	defer server.Close()

	transport, err := New(testPushToken, pub, WithServiceURL(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	_, err = transport.Send(context.Background(), "message")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status=500")
	require.Contains(t, err.Error(), "database on fire")
}

func TestSendRequiresMessage(t *testing.T) {
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	transport, err := New(testPushToken, pub)
	require.NoError(t, err)

	_, err = transport.Send(context.Background(), "")
	require.Error(t, err)
}

func TestPadNotification(t *testing.T) {
	for _, length := range []int{0, 1, 49, 50, 51, 100} {
		padded := padNotification(strings.Repeat("m", length), PadInterval)

		require.Zero(t, len(padded)%PadInterval)
		// always pads, even on a boundary
		require.Greater(t, len(padded), length)
	}
}

type recordingModal struct {
	notified chan func()
}

func (m *recordingModal) Open(string, func(), string) {}
func (m *recordingModal) Close()                      {}
func (m *recordingModal) Success()                    {}
func (m *recordingModal) Failure(func())              {}

func (m *recordingModal) NotifyPushSent(fallback func()) {
	m.notified <- fallback
}

func TestSendAndNotify(t *testing.T) {
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport, err := New(testPushToken, pub, WithServiceURL(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	modal := &recordingModal{notified: make(chan func(), 1)}

	fellBack := false

	_, err = transport.SendAndNotify(context.Background(), "message", modal, func() { fellBack = true })
	require.NoError(t, err)

	select {
	case fallback := <-modal.notified:
		fallback()
		require.True(t, fellBack)
	case <-time.After(time.Second):
		t.Fatal("modal was not notified")
	}
}
