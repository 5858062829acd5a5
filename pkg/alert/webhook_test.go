package alert_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobkit/pkg/alert"
	"github.com/dmitrymomot/jobkit/pkg/retry"
)

func fastRetry(attempts int) alert.WebhookOption {
	return alert.WithWebhookRetry(retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
	})
}

func TestNewWebhookNotifier_InvalidURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"ftp://example.com", "http://", "::bad"} {
		_, err := alert.NewWebhookNotifier(u)
		assert.ErrorIs(t, err, alert.ErrInvalidURL, u)
	}
}

func TestWebhookNotifier_SignedDelivery(t *testing.T) {
	t.Parallel()

	const secret = "s3cret"
	received := make(chan alert.Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := alert.VerifySignature(secret, body, r.Header, time.Minute); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.NotEmpty(t, r.Header.Get(alert.HeaderDelivery))
		assert.Equal(t, "team-a", r.Header.Get("X-Team"))

		var a alert.Alert
		_ = json.Unmarshal(body, &a)
		received <- a
	}))
	defer srv.Close()

	n, err := alert.NewWebhookNotifier(srv.URL,
		alert.WithWebhookSecret(secret),
		alert.WithWebhookHeader("X-Team", "team-a"),
	)
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), alert.Alert{
		Severity: alert.SeverityCritical,
		Title:    "queue stuck",
	}))

	got := <-received
	assert.Equal(t, "queue stuck", got.Title)
	assert.Equal(t, alert.SeverityCritical, got.Severity)
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := alert.NewWebhookNotifier(srv.URL, fastRetry(3))
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), alert.Alert{Title: "x"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifier_ClientErrorIsFinal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	n, err := alert.NewWebhookNotifier(srv.URL, fastRetry(5))
	require.NoError(t, err)

	err = n.Notify(context.Background(), alert.Alert{Title: "x"})
	assert.ErrorIs(t, err, alert.ErrDeliveryFailed)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookNotifier_CircuitBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := alert.NewCircuitBreaker(1, 1, time.Hour)
	n, err := alert.NewWebhookNotifier(srv.URL, fastRetry(1), alert.WithCircuitBreaker(cb))
	require.NoError(t, err)

	assert.ErrorIs(t, n.Notify(context.Background(), alert.Alert{}), alert.ErrDeliveryFailed)
	assert.ErrorIs(t, n.Notify(context.Background(), alert.Alert{}), alert.ErrCircuitOpen)
	assert.Equal(t, int32(1), calls.Load())
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"title":"x"}`)
	ts := time.Now().Unix()
	h := http.Header{}
	h.Set(alert.HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(alert.HeaderSignature, alert.Sign("k", ts, payload))

	require.NoError(t, alert.VerifySignature("k", payload, h, time.Minute))
	assert.ErrorIs(t, alert.VerifySignature("other", payload, h, time.Minute), alert.ErrInvalidSignature)
	assert.ErrorIs(t, alert.VerifySignature("k", []byte("tampered"), h, time.Minute), alert.ErrInvalidSignature)
	assert.ErrorIs(t, alert.VerifySignature("k", payload, http.Header{}, 0), alert.ErrInvalidSignature)
}
