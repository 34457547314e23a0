// Package telephony is the Twilio boundary: call-control commands over the
// REST API, TwiML documents, the media stream connection and the voice
// webhooks.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/altiora-ai/callcore/internal/action"
)

const defaultAPIBase = "https://api.twilio.com"

// ClientConfig holds Twilio credentials and addressing
type ClientConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string // caller ID for outbound calls
	PublicURL   string // base URL Twilio uses to reach this server
	APIBase     string
	Timeout     time.Duration
}

// APIError is a non-2xx answer from the Twilio REST API
type APIError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio api status %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Unwrap classifies throttling and server errors as transient.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusTooManyRequests || e.Status >= 500 {
		return action.ErrTransient
	}
	return nil
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, action.ErrTransient)
}

// Client issues call-control commands through the Twilio REST API
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "twilio").Logger(),
	}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.AccountSID != "" && c.cfg.AuthToken != ""
}

// PublicURL returns the base URL callbacks are addressed to.
func (c *Client) PublicURL() string { return c.cfg.PublicURL }

// Transfer speaks message and bridges the caller to the destination number.
func (c *Client) Transfer(ctx context.Context, callRef, callID, to, message string) error {
	return c.updateTwiML(ctx, callRef, TransferTwiML(c.cfg.PublicURL, callID, to, message))
}

// Voicemail switches the call to a recording prompt.
func (c *Client) Voicemail(ctx context.Context, callRef, callID, prompt string) error {
	return c.updateTwiML(ctx, callRef, VoicemailTwiML(c.cfg.PublicURL, callID, prompt))
}

// Hangup ends the call, speaking message first when one is given.
func (c *Client) Hangup(ctx context.Context, callRef, message string) error {
	if message == "" {
		return c.updateCall(ctx, callRef, url.Values{"Status": {"completed"}})
	}
	return c.updateTwiML(ctx, callRef, HangupTwiML(message))
}

// Originate places an outbound call whose media is streamed back to this
// server under callID. It returns the Twilio call SID.
func (c *Client) Originate(ctx context.Context, to, from, callID string) (string, error) {
	if from == "" {
		from = c.cfg.PhoneNumber
	}
	twiml, err := Render(StreamTwiML(StreamURL(c.cfg.PublicURL), callID))
	if err != nil {
		return "", err
	}
	form := url.Values{
		"To":             {to},
		"From":           {from},
		"Twiml":          {twiml},
		"StatusCallback": {callbackURL(c.cfg.PublicURL, "/voice/status", callID)},
	}
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}

	var created struct {
		SID string `json:"sid"`
	}
	if err := c.post(ctx, c.accountPath("/Calls.json"), form, &created); err != nil {
		return "", err
	}
	c.logger.Info().Str("call_id", callID).Str("call_sid", created.SID).Msg("Outbound call placed")
	return created.SID, nil
}

func (c *Client) updateTwiML(ctx context.Context, callRef string, r Response) error {
	twiml, err := Render(r)
	if err != nil {
		return err
	}
	return c.updateCall(ctx, callRef, url.Values{"Twiml": {twiml}})
}

func (c *Client) updateCall(ctx context.Context, callRef string, form url.Values) error {
	if callRef == "" {
		return errors.New("call has no provider reference")
	}
	return c.post(ctx, c.accountPath("/Calls/"+url.PathEscape(callRef)+".json"), form, nil)
}

func (c *Client) accountPath(suffix string) string {
	return strings.TrimRight(c.cfg.APIBase, "/") + "/2010-04-01/Accounts/" + c.cfg.AccountSID + suffix
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	if !c.Configured() {
		return errors.New("twilio credentials not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build twilio request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("twilio request: %w: %w", action.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode twilio response: %w", err)
		}
	}
	return nil
}
