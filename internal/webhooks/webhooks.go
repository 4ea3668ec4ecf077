// Package webhooks pushes persisted notifications to the downstream
// delivery service.
//
// Each batch is POSTed as one JSON event signed with HMAC-SHA256 over the
// raw body. Deliveries run in the background and are retried on network
// errors and 5xx responses; 4xx responses are not retried.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/reuni/disputes/internal/idgen"
	"github.com/reuni/disputes/internal/metrics"
	"github.com/reuni/disputes/internal/notify"
	"github.com/reuni/disputes/internal/retry"
)

// EventType names the payload carried by an event.
type EventType string

const EventNotificationsCreated EventType = "notifications.created"

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Reuni-Event"
	HeaderTimestamp = "X-Reuni-Timestamp"
	HeaderSignature = "X-Reuni-Signature"
)

// Event is the delivered body.
type Event struct {
	ID            string                `json:"id"`
	Type          EventType             `json:"type"`
	Timestamp     time.Time             `json:"timestamp"`
	Notifications []notify.Notification `json:"notifications"`
}

// Dispatcher delivers notification batches to a single endpoint.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher posting to url. An empty secret sends
// unsigned requests.
func NewDispatcher(url, secret string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: retry.DefaultPolicy,
		logger: logger,
		now:    time.Now,
	}
}

// WithClient overrides the HTTP client.
func (d *Dispatcher) WithClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithPolicy overrides the retry policy.
func (d *Dispatcher) WithPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Send queues the batch for delivery and returns immediately. The request
// context only contributes its values; cancellation does not abort delivery.
func (d *Dispatcher) Send(ctx context.Context, notifications ...notify.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	event := &Event{
		ID:            idgen.New(),
		Type:          EventNotificationsCreated,
		Timestamp:     d.now().UTC(),
		Notifications: notifications,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		d.deliver(sendCtx, event, payload)
	}()
	return nil
}

// Close waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, event *Event, payload []byte) {
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.post(ctx, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Error("webhook delivery failed",
			"eventId", event.ID,
			"count", len(event.Notifications),
			"error", err,
		)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func (d *Dispatcher) post(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

var _ notify.Sink = (*Dispatcher)(nil)
