package processor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/recurring/pkg/observability"
)

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()

	client, err := NewHTTPClient(Config{
		BaseURL:           baseURL,
		APIKey:            "sk_test",
		WebhookSecret:     "whsec_test",
		RequestTimeout:    time.Second,
		RetryMaxAttempts:  3,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
	}, observability.NewLogger(observability.ErrorLevel, io.Discard), observability.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return client
}

func TestHTTPClientRetriesTransientFailures(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(&Invoice{ID: "in_1", Status: "paid"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	invoice, err := client.GetInvoice(context.Background(), "in_1")
	require.NoError(t, err)
	assert.Equal(t, "paid", invoice.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestHTTPClientGivesUpAfterMaxAttempts(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.GetInvoice(context.Background(), "in_1")
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "card_declined", "message": "Your card was declined."},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.PayInvoice(context.Background(), "in_1")
	require.Error(t, err)
	assert.False(t, IsUnavailable(err), "a decline is terminal, not a retryable outage")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Equal(t, "card_declined", apiErr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "4xx responses must not be retried")
}

func TestHTTPClientCustomerCache(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		json.NewEncoder(w).Encode(&Customer{ID: "cus_1", Email: "billing@example.com"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	first, err := client.GetCustomer(ctx, "cus_1")
	require.NoError(t, err)

	second, err := client.GetCustomer(ctx, "cus_1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "second lookup must come from the cache")
}

func TestHTTPClientCancelSubscriptionModes(t *testing.T) {
	type captured struct {
		method string
		path   string
		body   map[string]interface{}
	}
	var calls []captured

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, captured{method: r.Method, path: r.URL.Path, body: body})
		json.NewEncoder(w).Encode(&Subscription{ID: "sub_1"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	_, err := client.CancelSubscription(ctx, "sub_1", true)
	require.NoError(t, err)
	_, err = client.CancelSubscription(ctx, "sub_1", false)
	require.NoError(t, err)

	require.Len(t, calls, 2)
	assert.Equal(t, http.MethodPost, calls[0].method)
	assert.Equal(t, map[string]interface{}{"cancel_at_period_end": true}, calls[0].body)
	assert.Equal(t, http.MethodDelete, calls[1].method)
	assert.Equal(t, "/v1/subscriptions/sub_1", calls[1].path)
}
