package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/jobkit/pkg/retry"
)

// Headers set on every webhook delivery.
const (
	HeaderSignature = "X-Jobkit-Signature"
	HeaderTimestamp = "X-Jobkit-Timestamp"
	HeaderDelivery  = "X-Jobkit-Delivery"
)

var (
	ErrInvalidURL       = errors.New("invalid webhook URL")
	ErrDeliveryFailed   = errors.New("alert delivery failed")
	ErrCircuitOpen      = errors.New("alert webhook circuit breaker is open")
	ErrInvalidSignature = errors.New("invalid alert signature")
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. Deliveries are
// signed when a secret is set and retried on 5xx, 408, 425 and 429
// responses.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	secret  string
	headers map[string]string
	timeout time.Duration
	policy  retry.Policy
	breaker *CircuitBreaker
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithWebhookSecret signs deliveries with HMAC-SHA256.
func WithWebhookSecret(secret string) WebhookOption {
	return func(n *WebhookNotifier) {
		n.secret = secret
	}
}

func WithWebhookClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

func WithWebhookHeader(key, value string) WebhookOption {
	return func(n *WebhookNotifier) {
		if key != "" && value != "" {
			n.headers[key] = value
		}
	}
}

// WithWebhookTimeout bounds each HTTP request. Default is 10s.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(n *WebhookNotifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithWebhookRetry sets how failed deliveries are retried. MaxAttempts
// counts the first try.
func WithWebhookRetry(p retry.Policy) WebhookOption {
	return func(n *WebhookNotifier) {
		n.policy = p.Normalize()
	}
}

// WithCircuitBreaker fails fast while the endpoint keeps failing.
func WithCircuitBreaker(cb *CircuitBreaker) WebhookOption {
	return func(n *WebhookNotifier) {
		n.breaker = cb
	}
}

// NewWebhookNotifier validates endpoint and returns a notifier for it.
func NewWebhookNotifier(endpoint string, opts ...WebhookOption) (*WebhookNotifier, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: only http and https schemes are supported", ErrInvalidURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidURL)
	}

	n := &WebhookNotifier{
		url:     endpoint,
		client:  &http.Client{},
		headers: make(map[string]string),
		timeout: 10 * time.Second,
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
			Jitter:      100 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	if n.breaker != nil && !n.breaker.Allow() {
		return ErrCircuitOpen
	}

	delivery := uuid.NewString()
	for attempt := 1; ; attempt++ {
		err := n.deliver(ctx, delivery, payload)
		if n.breaker != nil {
			if err == nil {
				n.breaker.RecordSuccess()
			} else {
				n.breaker.RecordFailure()
			}
		}
		if err == nil {
			return nil
		}

		d := n.policy.Decide(attempt, err)
		if !d.Retry {
			return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, attempt, err)
		}

		t := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// deliver makes one request and classifies the failure for the retry policy.
func (n *WebhookNotifier) deliver(ctx context.Context, delivery string, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "jobkit-alert/1.0")
	req.Header.Set(HeaderDelivery, delivery)
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}
	if n.secret != "" {
		ts := time.Now().Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, Sign(n.secret, ts, payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return retry.Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.ReplaceAll(strings.TrimSpace(string(body)), "\n", " ")
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	err = fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs >= 0 {
			return retry.RateLimit(err, time.Duration(secs)*time.Second)
		}
		return retry.Transient(err)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooEarly:
		return retry.Transient(err)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(err)
	default:
		return retry.Transient(err)
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.payload".
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", timestamp)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a delivery received by an alert endpoint. A
// positive maxAge rejects stale timestamps.
func VerifySignature(secret string, payload []byte, header http.Header, maxAge time.Duration) error {
	sig := header.Get(HeaderSignature)
	ts, err := strconv.ParseInt(header.Get(HeaderTimestamp), 10, 64)
	if sig == "" || err != nil {
		return fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	}
	if maxAge > 0 {
		age := time.Since(time.Unix(ts, 0))
		if age > maxAge || age < -time.Minute {
			return fmt.Errorf("%w: timestamp outside window", ErrInvalidSignature)
		}
	}
	if !hmac.Equal([]byte(Sign(secret, ts, payload)), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}
