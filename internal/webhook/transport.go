package webhook

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
	"strings"
	"time"

	"github.com/altiora-ai/callcore/internal/types"
)

// ErrPermanent marks a delivery the backend rejected outright
var ErrPermanent = errors.New("webhook rejected")

// Ack is the backend's acknowledgement of one event
type Ack struct {
	RemoteCallID string // backend-assigned call ID, returned for call-started
}

// Transport delivers a single event
type Transport interface {
	Deliver(ctx context.Context, ev types.WebhookEvent, remoteCallID string) (Ack, error)
}

// Envelope is the JSON body posted for every event
type Envelope struct {
	types.WebhookEvent
	BackendCallID string `json:"backend_call_id,omitempty"`
}

// HTTPTransport posts events to {BaseURL}/{kind}.
type HTTPTransport struct {
	baseURL    string
	secret     []byte
	httpClient *http.Client
}

// NewHTTPTransport creates a transport. Bodies are signed when secret is set.
func NewHTTPTransport(baseURL, secret string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     []byte(secret),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ackBody struct {
	CallID string `json:"call_id"`
	ID     string `json:"id"`
}

// Deliver implements Transport. 2xx and 409 are acknowledgements; other
// 4xx except 408 and 429 are permanent; everything else is retryable.
func (t *HTTPTransport) Deliver(ctx context.Context, ev types.WebhookEvent, remoteCallID string) (Ack, error) {
	body, err := json.Marshal(Envelope{WebhookEvent: ev, BackendCallID: remoteCallID})
	if err != nil {
		return Ack{}, fmt.Errorf("%w: marshal event: %v", ErrPermanent, err)
	}

	url := t.baseURL + "/" + string(ev.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.IdempotencyKey())
	if len(t.secret) > 0 {
		req.Header.Set("X-Webhook-Signature", "sha256="+Sign(t.secret, body))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ab ackBody
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if len(data) > 0 {
			_ = json.Unmarshal(data, &ab)
		}
		if ab.CallID == "" {
			ab.CallID = ab.ID
		}
		return Ack{RemoteCallID: ab.CallID}, nil
	case resp.StatusCode == http.StatusConflict:
		// already processed under this idempotency key
		return Ack{}, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return Ack{}, fmt.Errorf("POST %s returned status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Ack{}, fmt.Errorf("%w: POST %s returned status %d", ErrPermanent, url, resp.StatusCode)
	default:
		return Ack{}, fmt.Errorf("POST %s returned status %d", url, resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
