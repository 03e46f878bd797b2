// Package webhook delivers signed message payloads to the configured
// application endpoint and interprets its response.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/shineum/mailhook/internal/email"
)

// DefaultTimeout bounds a single webhook call when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes limits how much of the response body is inspected.
const maxResponseBytes = 1 << 20

// Header names carried on every webhook request.
const (
	HeaderSignature = "X-Email-Signature"
	HeaderAddress   = "X-Email-Address"
)

// Config holds the configuration for creating a Dispatcher.
type Config struct {
	URL string
	// Identity is the relay's own address, sent in HeaderAddress.
	Identity string
	Timeout  time.Duration
}

// Dispatcher posts payloads to a single webhook URL. There is no retry; a
// failed call is reported once as email.OutcomeError.
type Dispatcher struct {
	url        string
	identity   string
	httpClient *http.Client
}

// New creates a Dispatcher with its own HTTP client.
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return NewWithClient(cfg, &http.Client{Timeout: timeout})
}

// NewWithClient creates a Dispatcher that uses the given HTTP client.
func NewWithClient(cfg Config, client *http.Client) *Dispatcher {
	return &Dispatcher{
		url:        cfg.URL,
		identity:   cfg.Identity,
		httpClient: client,
	}
}

// DispatchError describes why a webhook call did not succeed.
type DispatchError struct {
	// StatusCode is zero when no HTTP response was received.
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook request failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Marshal encodes the payload exactly as it will be transmitted. Encoding a
// struct is deterministic, so the signature computed over the result matches
// the request body byte for byte.
func Marshal(p *email.Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return body, nil
}

// response is the subset of the webhook reply that affects the outcome.
type response struct {
	Status string `json:"status"`
}

// Dispatch posts body with the given signature and reduces the reply to an
// outcome. A non-nil error is always paired with email.OutcomeError.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, signature string) (email.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return email.OutcomeError, &DispatchError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mailhook")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderAddress, d.identity)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return email.OutcomeError, &DispatchError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode != http.StatusOK {
		return email.OutcomeError, &DispatchError{StatusCode: resp.StatusCode}
	}
	if err != nil {
		slog.Warn("failed to read webhook response body, assuming accepted", "error", err)
		return email.OutcomeAccepted, nil
	}

	return parseOutcome(respBody), nil
}

// parseOutcome reads the status field of a successful reply. Anything that
// is not a JSON object with a non-empty string status counts as accepted.
func parseOutcome(body []byte) email.Outcome {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return email.OutcomeAccepted
	}
	status := strings.TrimSpace(r.Status)
	if status == "" {
		return email.OutcomeAccepted
	}
	return email.Outcome(status)
}
