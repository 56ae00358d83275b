package adnetwork

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Status is the delivery status reported by the ad network.
type Status struct {
	Active bool `json:"active"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ad network returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the ad-delivery network REST API. All mutating calls are
// idempotent on the network side.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *Client) GetCampaignStatus(ctx context.Context, externalID string) (Status, error) {
	var result Status
	err := c.do(ctx, http.MethodGet, c.campaignURL(externalID, "status"), nil, &result)
	return result, err
}

func (c *Client) GetSpend(ctx context.Context, externalID string, from, to time.Time) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("date_from", from.Format(dateLayout))
	q.Set("date_to", to.Format(dateLayout))

	var result struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.do(ctx, http.MethodGet, c.campaignURL(externalID, "spend")+"?"+q.Encode(), nil, &result); err != nil {
		return decimal.Zero, err
	}
	return result.Amount, nil
}

func (c *Client) ActivateCampaign(ctx context.Context, externalID string) error {
	return c.do(ctx, http.MethodPost, c.campaignURL(externalID, "activate"), nil, nil)
}

func (c *Client) PauseCampaign(ctx context.Context, externalID string) error {
	return c.do(ctx, http.MethodPost, c.campaignURL(externalID, "pause"), nil, nil)
}

func (c *Client) SetBudget(ctx context.Context, externalID string, amount decimal.Decimal) error {
	body := map[string]any{"amount": json.Number(amount.StringFixed(2))}
	return c.do(ctx, http.MethodPut, c.campaignURL(externalID, "budget"), body, nil)
}

func (c *Client) SetScheduleEnd(ctx context.Context, externalID string, endAt time.Time) error {
	body := map[string]any{"end_at": endAt.Format(time.RFC3339)}
	return c.do(ctx, http.MethodPut, c.campaignURL(externalID, "schedule"), body, nil)
}

func (c *Client) campaignURL(externalID, action string) string {
	return fmt.Sprintf("%s/campaigns/%s/%s", c.baseURL, url.PathEscape(externalID), action)
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ad network unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ad network response: %w", err)
	}
	return nil
}
