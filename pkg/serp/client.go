// Package serp discovers competitors and leads for a market via a
// search-API provider. The pipeline's failure policy lives in the executor;
// this client only surfaces typed failures.
package serp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/marketscope/enrich-cli/internal/resilience"
)

// EntityKind selects what the search should return.
type EntityKind string

const (
	KindCompetitor EntityKind = "competitor"
	KindLead       EntityKind = "lead"
)

// Client performs entity discovery searches.
type Client interface {
	SearchEntities(ctx context.Context, req SearchRequest) ([]Candidate, error)
}

// SearchRequest describes one market to search.
type SearchRequest struct {
	MarketName string     `json:"market"`
	Segment    string     `json:"segment,omitempty"`
	Kind       EntityKind `json:"kind"`
	MaxResults int        `json:"max_results,omitempty"`
}

// Candidate is one discovered entity.
type Candidate struct {
	Name        string `json:"name"`
	Product     string `json:"product,omitempty"`
	Website     string `json:"website,omitempty"`
	Description string `json:"description,omitempty"`
}

// searchResponse is the provider's wire format.
type searchResponse struct {
	Results []Candidate `json:"results"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

type httpClient struct {
	baseURL string
	key     string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a search client for the given provider endpoint.
func NewClient(baseURL, key string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SearchEntities(ctx context.Context, req SearchRequest) ([]Candidate, error) {
	if req.MarketName == "" {
		return nil, resilience.NewValidationError(eris.New("serp: market name is required"))
	}
	if req.Kind != KindCompetitor && req.Kind != KindLead {
		return nil, resilience.NewValidationError(eris.Errorf("serp: unknown entity kind %q", req.Kind))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "serp: rate limiter wait")
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "serp: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/entities/search", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "serp: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, resilience.NewAdapterError("serp", eris.Wrap(err, "serp: search request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.NewAdapterError("serp",
			eris.Errorf("serp: search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, resilience.NewAdapterError("serp", eris.Wrap(err, "serp: decode response"), 0)
	}

	// Drop nameless results instead of failing the stage over one bad row.
	out := sr.Results[:0]
	for _, cand := range sr.Results {
		if strings.TrimSpace(cand.Name) != "" {
			out = append(out, cand)
		}
	}
	if req.MaxResults > 0 && len(out) > req.MaxResults {
		out = out[:req.MaxResults]
	}
	return out, nil
}
