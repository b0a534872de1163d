package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// WebhookPublisher POSTs events to a single HTTP endpoint, signing each
// body with HMAC-SHA256 when a secret is set. Non-2xx answers and transport
// errors are retried with the configured delays.
type WebhookPublisher struct {
	url      string
	secret   string
	patterns []string
	client   *http.Client
	delays   []time.Duration
}

type WebhookOption func(*WebhookPublisher)

func WithWebhookClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.client = c }
}

// WithRetryDelays sets the waits between attempts. No delays means one attempt.
func WithRetryDelays(d ...time.Duration) WebhookOption {
	return func(p *WebhookPublisher) { p.delays = d }
}

// WithEventFilter restricts delivery to matching event types. Patterns are
// exact ("invoice.issued") or prefix wildcards ("invoice.*").
func WithEventFilter(patterns ...string) WebhookOption {
	return func(p *WebhookPublisher) { p.patterns = patterns }
}

func NewWebhookPublisher(url, secret string, opts ...WebhookOption) *WebhookPublisher {
	p := &WebhookPublisher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		delays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	if !p.wants(e.Type) {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	err = p.post(ctx, e, body)
	for _, d := range p.delays {
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		err = p.post(ctx, e, body)
	}
	return err
}

func (p *WebhookPublisher) post(ctx context.Context, e Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", e.ID.String())
	req.Header.Set("X-Event-Type", e.Type)
	if p.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(body, p.secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", e.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver %s: endpoint answered %d", e.Type, resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) wants(eventType string) bool {
	if len(p.patterns) == 0 {
		return true
	}
	for _, pat := range p.patterns {
		if pat == eventType || pat == "*" {
			return true
		}
		if strings.HasSuffix(pat, ".*") && strings.HasPrefix(eventType, pat[:len(pat)-1]) {
			return true
		}
	}
	return false
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value against payload.
func VerifySignature(payload []byte, secret, header string) bool {
	expected := "sha256=" + Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(header))
}

// Fanout publishes to every publisher and returns the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
