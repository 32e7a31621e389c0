package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChannel delivers notifications by POSTing them to a webhook-shaped
// vendor gateway, signed with an HMAC of the body.
// Headers: X-Bday-Signature, X-Bday-Recipient.
type HTTPChannel struct {
	client  *http.Client
	url     string
	secret  string
	timeout time.Duration
}

func NewHTTPChannel(url, secret string, timeout time.Duration) *HTTPChannel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPChannel{
		client:  &http.Client{},
		url:     url,
		secret:  secret,
		timeout: timeout,
	}
}

type httpPayload struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (c *HTTPChannel) Deliver(ctx context.Context, recipient string, msg Message) error {
	body, err := json.Marshal(httpPayload{Recipient: recipient, Subject: msg.Subject, Body: msg.Body})
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bday-Recipient", recipient)
	req.Header.Set("X-Bday-Signature", computeSignature(c.secret, body))

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable.
		return Transient(fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return classifyStatus(resp.StatusCode)
}

// classifyStatus maps a gateway response code onto the error taxonomy:
// 2xx success, 408/429/5xx transient, remaining 4xx permanent.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Transient(fmt.Errorf("gateway returned %d", code))
	case code >= 500:
		return Transient(fmt.Errorf("gateway returned %d", code))
	default:
		return Permanent(fmt.Errorf("gateway returned %d", code))
	}
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature lets the gateway side verify a signed request.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

var _ Channel = (*HTTPChannel)(nil)
