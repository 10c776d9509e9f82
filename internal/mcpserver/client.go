package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the connection settings for the venue platform.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	StaffKey string // Staff key for staff-only tools, e.g. "stk_..."
	Member   string // Default member the concierge acts for, e.g. "ada@example.com"
}

// MarqueeClient is a pure HTTP client for the venue platform API.
type MarqueeClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewMarqueeClient creates a new client for the venue platform.
func NewMarqueeClient(cfg Config) *MarqueeClient {
	return &MarqueeClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response
// body. A 402 is not an error: it carries the top-up instructions the
// member needs to finish paying.
func (c *MarqueeClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.StaffKey != "" {
		req.Header.Set("X-Staff-Key", c.cfg.StaffKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusPaymentRequired {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBalance returns a member's token balance.
func (c *MarqueeClient) GetBalance(ctx context.Context, member string) (json.RawMessage, error) {
	path := "/v1/members/" + url.PathEscape(member) + "/balance"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// RequestPurchase asks the venue to charge tokens for a purchase.
func (c *MarqueeClient) RequestPurchase(ctx context.Context, member string, tokens int64, category, description string) (json.RawMessage, error) {
	body := map[string]any{
		"member":      member,
		"tokens":      tokens,
		"channel":     "concierge",
		"category":    category,
		"description": description,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/purchase", nil, body)
}

// GetTopUp returns the state of a top-up intent.
func (c *MarqueeClient) GetTopUp(ctx context.Context, topUpID string) (json.RawMessage, error) {
	path := "/v1/topups/" + url.PathEscape(topUpID)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListScreenings returns upcoming screenings.
func (c *MarqueeClient) ListScreenings(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/screenings", nil, nil)
}

// CreateReservation holds seats at a screening and pays with tokens.
func (c *MarqueeClient) CreateReservation(ctx context.Context, member, screeningID string, seats int) (json.RawMessage, error) {
	body := map[string]any{
		"member":      member,
		"screeningId": screeningID,
		"seats":       seats,
		"channel":     "concierge",
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/reservations", nil, body)
}

// GetReservation looks up a reservation by id or pickup code.
func (c *MarqueeClient) GetReservation(ctx context.Context, ref string) (json.RawMessage, error) {
	path := "/v1/reservations/" + url.PathEscape(ref)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GrantTokens credits goodwill tokens to a member. Staff key required.
func (c *MarqueeClient) GrantTokens(ctx context.Context, member string, tokens int64, reason string) (json.RawMessage, error) {
	body := map[string]any{
		"amount":      tokens,
		"category":    "goodwill",
		"description": reason,
	}
	path := "/v1/members/" + url.PathEscape(member) + "/credits"
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}
