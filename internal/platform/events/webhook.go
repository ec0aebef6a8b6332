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
	"time"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is SignPayload(payload, secret).
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookSink POSTs every event to a single HTTP endpoint. When a secret is
// set the body is signed and the signature sent as "sha256=<hex>".
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, e.ID)
	req.Header.Set(HeaderTimestamp, e.OccurredAt.UTC().Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
