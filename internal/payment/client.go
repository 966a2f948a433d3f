// Package payment talks to the deposit-authorization authority over HTTP.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/MarkoPoloResearchLab/rental/pkg/booking"
)

const (
	defaultRequestTimeout = 10 * time.Second

	pathAuthorize = "/v1/intents"
	pathRetrieve  = "/v1/intents/"
)

// Config holds the upstream endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements booking.PaymentAuthorizer against a JSON-over-HTTP
// payment authority.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New returns a Client for the configured authority.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("payment base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("payment base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type authorizeRequest struct {
	AmountCents int64             `json:"amount_cents"`
	Capture     string            `json:"capture_method"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type authorizePayload struct {
	IntentRef         string `json:"intent_ref"`
	ClientSecret      string `json:"client_secret"`
	SetupIntentRef    string `json:"setup_intent_ref"`
	SetupIntentSecret string `json:"setup_intent_secret"`
}

type statusPayload struct {
	Status string `json:"status"`
}

// UpstreamError reports a non-2xx response from the authority. Server-side
// failures are retryable, client-side rejections are not.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (upstreamError *UpstreamError) Error() string {
	return fmt.Sprintf("payment authority returned %d: %s", upstreamError.StatusCode, upstreamError.Body)
}

// Retryable reports whether the request may be retried.
func (upstreamError *UpstreamError) Retryable() bool {
	return upstreamError.StatusCode >= http.StatusInternalServerError ||
		upstreamError.StatusCode == http.StatusTooManyRequests
}

func (client *Client) Authorize(ctx context.Context, amountCents booking.AmountCents, metadata map[string]string) (booking.PaymentAuthorization, error) {
	body, err := json.Marshal(authorizeRequest{
		AmountCents: amountCents.Int64(),
		Capture:     "manual",
		Metadata:    metadata,
	})
	if err != nil {
		return booking.PaymentAuthorization{}, fmt.Errorf("encode authorize request: %w", err)
	}
	var payload authorizePayload
	if err := client.do(ctx, http.MethodPost, client.baseURL+pathAuthorize, bytes.NewReader(body), &payload); err != nil {
		return booking.PaymentAuthorization{}, err
	}
	return booking.PaymentAuthorization{
		IntentRef:         payload.IntentRef,
		ClientSecret:      payload.ClientSecret,
		SetupIntentRef:    payload.SetupIntentRef,
		SetupIntentSecret: payload.SetupIntentSecret,
	}, nil
}

func (client *Client) RetrieveStatus(ctx context.Context, intentRef string) (booking.PaymentStatus, error) {
	var payload statusPayload
	if err := client.do(ctx, http.MethodGet, client.baseURL+pathRetrieve+url.PathEscape(intentRef), nil, &payload); err != nil {
		return "", err
	}
	return booking.PaymentStatus(payload.Status), nil
}

func (client *Client) do(ctx context.Context, method string, endpoint string, body *bytes.Reader, out any) error {
	var request *http.Request
	var err error
	if body != nil {
		request, err = http.NewRequestWithContext(ctx, method, endpoint, body)
	} else {
		request, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	}
	if err != nil {
		return fmt.Errorf("build payment request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if client.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+client.apiKey)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("payment request: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		message := make([]byte, 0, 256)
		buffer := make([]byte, 256)
		n, _ := response.Body.Read(buffer)
		message = append(message, buffer[:n]...)
		return &UpstreamError{StatusCode: response.StatusCode, Body: string(message)}
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode payment response: %w", err)
	}
	return nil
}
