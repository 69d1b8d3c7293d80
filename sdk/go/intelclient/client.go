// Package intelclient is the buyer-side client for paid intelligence endpoints.
// It reads a counterpart's pricing announcement and calls its paid endpoints
// with an X-PAYMENT proof header.
package intelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/pricing"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// maxBodyBytes caps the payload read from a counterpart.
const maxBodyBytes = 4 << 20

// Client wraps the HTTP interactions with a counterpart market.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// PaymentRequiredError is returned when the counterpart asks for a proof
// that was not supplied.
type PaymentRequiredError struct {
	Requirements pricing.Requirements
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required for tier %s: %d %s", e.Requirements.Tier, e.Requirements.Amount, e.Requirements.Currency)
}

// Temporary reports false: the request must not be retried with the same proof.
func (e *PaymentRequiredError) Temporary() bool { return false }

// RejectedError is returned when the counterpart rejects a supplied proof.
type RejectedError struct {
	Reason       payment.Reason
	Message      string
	Requirements pricing.Requirements
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment rejected (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("payment rejected (%s)", e.Reason)
}

// Temporary reports false: rejections are final for the proof.
func (e *RejectedError) Temporary() bool { return false }

// APIError represents other non-success responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("intelmarket api error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewClient instantiates a client for the counterpart at rawURL. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Pricing fetches the counterpart's pricing announcement.
func (c *Client) Pricing(ctx context.Context) (pricing.Announcement, error) {
	req, err := c.newRequest(ctx, "/api/v1/pricing")
	if err != nil {
		return pricing.Announcement{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pricing.Announcement{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pricing.Announcement{}, readAPIError(resp)
	}
	var announcement pricing.Announcement
	if err := json.NewDecoder(resp.Body).Decode(&announcement); err != nil {
		return pricing.Announcement{}, fmt.Errorf("decode pricing: %w", err)
	}
	return announcement, nil
}

// Fetch calls a paid endpoint with the given proof header and returns the
// payload on success.
func (c *Client) Fetch(ctx context.Context, endpoint, header string) ([]byte, error) {
	req, err := c.newRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if header != "" {
		req.Header.Set(payment.HeaderName, header)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return data, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		var challenge payment.Challenge
		if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
			return nil, fmt.Errorf("decode payment challenge: %w", err)
		}
		if challenge.Reason == payment.ReasonMissingProof {
			return nil, &PaymentRequiredError{Requirements: challenge.Requirements}
		}
		return nil, &RejectedError{Reason: challenge.Reason, Message: challenge.Message, Requirements: challenge.Requirements}
	default:
		return nil, readAPIError(resp)
	}
}

func (c *Client) newRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return nil, errors.New("intelclient: endpoint must be relative to the base url")
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
