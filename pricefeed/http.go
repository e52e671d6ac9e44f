package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPProvider queries an external JSON price API:
//
//	GET <url>?category=<c>&region=<r>  ->  {"price": 1234.5}
type HTTPProvider struct {
	name   string
	url    string
	apiKey string
	weight float64
	client *http.Client
}

func NewHTTPProvider(name, baseURL, apiKey string, weight float64, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{name: name, url: baseURL, apiKey: apiKey, weight: weight, client: client}
}

func (p *HTTPProvider) Name() string               { return p.name }
func (p *HTTPProvider) Weight() float64            { return p.weight }
func (p *HTTPProvider) ProviderType() ProviderType { return TypeHTTP }
func (p *HTTPProvider) IsAvailable() bool          { return p.url != "" }

type httpRateResponse struct {
	Price *float64 `json:"price"`
}

func (p *HTTPProvider) FetchCurrentRate(ctx context.Context, q Query) (float64, error) {
	u, err := url.Parse(p.url)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: %s: parse url: %w", p.name, err)
	}
	params := u.Query()
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	if q.Region != "" {
		params.Set("region", q.Region)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: %s: build request: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: %s: %w: %w", p.name, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("pricefeed: %s: %w: status %d", p.name, ErrUnavailable, resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("pricefeed: %s: unexpected status %d", p.name, resp.StatusCode)
	}

	var body httpRateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return 0, fmt.Errorf("pricefeed: %s: decode response: %w", p.name, err)
	}
	if body.Price == nil {
		return 0, fmt.Errorf("pricefeed: %s: %w", p.name, ErrNoRate)
	}
	if *body.Price <= 0 {
		return 0, fmt.Errorf("pricefeed: %s: non-positive price %v", p.name, *body.Price)
	}
	return *body.Price, nil
}
