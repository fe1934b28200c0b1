package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const requestTimeout = 10 * time.Second

// Payment is the processor's view of a payment, reduced to the fields the
// verifier needs.
type Payment struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	AmountCents       int64             `json:"amount_cents"`
	Currency          string            `json:"currency"`
	VendorAccountID   string            `json:"vendor_account_id,omitempty"`
	ExternalChargeRef string            `json:"charge_ref,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// ProcessorClient looks up payments at the payment processor's API.
type ProcessorClient interface {
	GetPayment(ctx context.Context, paymentRef string) (*Payment, error)
}

// HTTPProcessorClient is the production ProcessorClient.
type HTTPProcessorClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPProcessorClient(baseURL, apiKey string) *HTTPProcessorClient {
	return &HTTPProcessorClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: requestTimeout},
	}
}

var _ ProcessorClient = (*HTTPProcessorClient)(nil)

func (c *HTTPProcessorClient) GetPayment(ctx context.Context, paymentRef string) (*Payment, error) {
	endpoint := fmt.Sprintf("%s/v1/payments/%s", c.BaseURL, url.PathEscape(paymentRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("processor lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPaymentNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("processor lookup: unexpected status %d", resp.StatusCode)
	}

	var p Payment
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("processor lookup: decode response: %w", err)
	}
	return &p, nil
}
