/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package qr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 10 * time.Millisecond
	testToken    = "eyJhbGciOiJFUzI1NksifQ.eyJpc3MiOiJkaWQifQ.sig"
)

// testModal records the modal interactions for assertion.
type testModal struct {
	opened   chan string
	failures chan func()
	closes   int32
}

func newTestModal() *testModal {
	return &testModal{
		opened:   make(chan string, 4),
		failures: make(chan func(), 4),
	}
}

func (m *testModal) Open(uri string, cancel func(), displayText string) {
	m.opened <- uri
}

func (m *testModal) Close() {
	atomic.AddInt32(&m.closes, 1)
}

func (m *testModal) NotifyPushSent(func()) {}
func (m *testModal) Success()              {}

func (m *testModal) Failure(retry func()) {
	m.failures <- retry
}

func (m *testModal) waitOpened(t *testing.T) string {
	t.Helper()

	select {
	case uri := <-m.opened:
		return uri
	case <-time.After(time.Second):
		t.Fatal("modal was not opened")
		return ""
	}
}

func TestSenderSend(t *testing.T) {
	modal := newTestModal()

	closeModal := NewSender(modal, "Scan to sign in").Send(context.Background(), testToken, SendOpts{})

	uri := modal.waitOpened(t)
	require.Contains(t, uri, "https://id.uport.me/req/"+testToken)
	require.Contains(t, uri, "callback_type=post")

	closeModal()
	require.EqualValues(t, 1, atomic.LoadInt32(&modal.closes))
}

func TestSenderSendKeepsExistingCallbackType(t *testing.T) {
	modal := newTestModal()

	NewSender(modal, "").Send(context.Background(),
		"https://id.uport.me/req/"+testToken+"?callback_type=redirect", SendOpts{})

	uri := modal.waitOpened(t)
	require.Contains(t, uri, "callback_type=redirect")
	require.NotContains(t, uri, "callback_type=post")
}

func TestSenderSendCompressed(t *testing.T) {
	modal := newTestModal()

	compress := func(ctx context.Context, msg string) (string, error) {
		return "https://relay.example/topic/short", nil
	}

	NewSender(modal, "").Send(context.Background(), testToken, SendOpts{Compress: compress})

	require.Equal(t, "https://relay.example/topic/short", modal.waitOpened(t))
}

func TestSenderSendCompressFailureRetries(t *testing.T) {
	modal := newTestModal()

	var attempts int32

	compress := func(ctx context.Context, msg string) (string, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return "", errors.New("upload failed")
		}

		return "https://relay.example/topic/retried", nil
	}

	NewSender(modal, "").Send(context.Background(), testToken, SendOpts{Compress: compress})

	select {
	case retry := <-modal.failures:
		retry()
	case <-time.After(time.Second):
		t.Fatal("compression failure did not surface")
	}

	require.Equal(t, "https://relay.example/topic/retried", modal.waitOpened(t))
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestChasquiCompress(t *testing.T) {
	t.Run("short messages stay literal", func(t *testing.T) {
		compress := ChasquiCompress("https://relay.example", DefaultCompressThreshold, http.DefaultClient)

		uri, err := compress(context.Background(), testToken)
		require.NoError(t, err)
		require.Contains(t, uri, "https://id.uport.me/req/"+testToken)
	})

	t.Run("long messages are uploaded to a topic", func(t *testing.T) {
		var posted map[string]string

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))

			w.Header().Set("Location", "topic/compressed-1")
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		long := longToken(t) + "?callback_type=post"

		compress := ChasquiCompress(server.URL, 100, server.Client())

		uri, err := compress(context.Background(), long)
		require.NoError(t, err)
		require.Equal(t, server.URL+"/topic/compressed-1", uri)

		// the query is lifted into topic fields, off the message itself
		require.Equal(t, longToken(t), posted["message"])
		require.Equal(t, "post", posted["callback_type"])
	})
}

func TestChasquiSenderSend(t *testing.T) {
	var (
		mu     sync.Mutex
		topics = map[string]map[string]interface{}{}
	)

	router := mux.NewRouter()

	router.HandleFunc("/topic/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body := topics[mux.Vars(r)["id"]]
		mu.Unlock()

		if body == nil {
			_, _ = w.Write([]byte(`{}`))
			return
		}

		require.NoError(t, json.NewEncoder(w).Encode(body))
	}).Methods(http.MethodGet)

	router.HandleFunc("/topic/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodDelete)

	server := httptest.NewServer(router)
	defer server.Close()

	modal := newTestModal()

	sender, err := NewChasquiSender(modal,
		WithBaseURL(server.URL),
		WithPollingInterval(testInterval),
		WithHTTPClient(server.Client()))
	require.NoError(t, err)

	token := claimToken(t, map[string]interface{}{"callback": server.URL + "/topic/scan"})

	go func() {
		<-modal.opened

		mu.Lock()
		topics["scan"] = map[string]interface{}{
			"message": map[string]interface{}{"access_token": "SCANNED"},
		}
		mu.Unlock()
	}()

	res, err := sender.Send(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "SCANNED", res)
	require.EqualValues(t, 1, atomic.LoadInt32(&modal.closes))
}

func claimToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()

	header, err := json.Marshal(map[string]string{"typ": "JWT", "alg": "ES256K"})
	require.NoError(t, err)

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	return strings.Join([]string{
		base64.RawURLEncoding.EncodeToString(header),
		base64.RawURLEncoding.EncodeToString(payload),
		"sig",
	}, ".")
}

func longToken(t *testing.T) string {
	t.Helper()

	return claimToken(t, map[string]interface{}{"claim": strings.Repeat("x", 200)})
}
