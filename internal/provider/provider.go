// Package provider contains thin clients for the external market-data
// services. Each client can issue one cheap authenticated request to verify
// an API key; everything else those services offer is out of scope here.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client verifies an API key against one provider.
type Client interface {
	Name() string
	Test(ctx context.Context, apiKey string) error
}

// requestBuilder assembles the probe request for one provider.
type requestBuilder func(ctx context.Context, baseURL, apiKey string) (*http.Request, error)

// restClient probes a provider with a single authenticated GET and
// classifies the response.
type restClient struct {
	name    string
	baseURL string
	build   requestBuilder
	http    *http.Client
}

func (c *restClient) Name() string {
	return c.name
}

func (c *restClient) Test(ctx context.Context, apiKey string) error {
	req, err := c.build(ctx, c.baseURL, apiKey)
	if err != nil {
		return fmt.Errorf("%s: failed to build probe request: %w", c.name, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: unreachable: %w", c.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: api key rejected (status %d)", c.name, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s: rate limited (status %d)", c.name, resp.StatusCode)
	default:
		return fmt.Errorf("%s: unexpected status %d", c.name, resp.StatusCode)
	}
}

// defaultBaseURLs are the production endpoints for each provider.
var defaultBaseURLs = map[string]string{
	"finnhub":    "https://finnhub.io",
	"fmp":        "https://financialmodelingprep.com",
	"tiingo":     "https://api.tiingo.com",
	"twelvedata": "https://api.twelvedata.com",
	"databento":  "https://hist.databento.com",
	"newsapi":    "https://newsapi.org",
}

// builders holds the per-provider probe shapes. Probes are the cheapest
// authenticated call each provider documents.
var builders = map[string]requestBuilder{
	"finnhub": func(ctx context.Context, baseURL, apiKey string) (*http.Request, error) {
		u := fmt.Sprintf("%s/api/v1/quote?symbol=AAPL&token=%s", baseURL, url.QueryEscape(apiKey))
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	},
	"fmp": func(ctx context.Context, baseURL, apiKey string) (*http.Request, error) {
		u := fmt.Sprintf("%s/api/v3/profile/AAPL?apikey=%s", baseURL, url.QueryEscape(apiKey))
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	},
	"tiingo": func(ctx context.Context, baseURL, apiKey string) (*http.Request, error) {
		u := fmt.Sprintf("%s/api/test?token=%s", baseURL, url.QueryEscape(apiKey))
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	},
	"twelvedata": func(ctx context.Context, baseURL, apiKey string) (*http.Request, error) {
		u := fmt.Sprintf("%s/price?symbol=AAPL&apikey=%s", baseURL, url.QueryEscape(apiKey))
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	},
	"databento": func(ctx context.Context, baseURL, apiKey string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v0/metadata.list_datasets", nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(apiKey, "")
		return req, nil
	},
	"newsapi": func(ctx context.Context, baseURL, apiKey string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v2/top-headlines?country=us&pageSize=1", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", apiKey)
		return req, nil
	},
}

func newRESTClient(name, baseURL string, timeout time.Duration) (*restClient, error) {
	build, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if baseURL == "" {
		baseURL = defaultBaseURLs[name]
	}
	return &restClient{
		name:    name,
		baseURL: baseURL,
		build:   build,
		http:    &http.Client{Timeout: timeout},
	}, nil
}
