// Package registry looks up Brazilian company registrations (CNPJ) against a
// BrasilAPI-compatible endpoint. "Not found" is an explicit result, not an
// adapter failure: an unregistered CNPJ is a fact about the client, not a
// provider outage.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/marketscope/enrich-cli/internal/resilience"
)

const defaultBaseURL = "https://brasilapi.com.br/api"

// ErrNotFound marks a registry ID with no registration. Callers must treat
// it as an answer, not an error.
var ErrNotFound = errors.New("registry: not found")

// Client performs company-profile lookups by registry ID.
type Client interface {
	Lookup(ctx context.Context, registryID string) (*CompanyProfile, error)
}

// CompanyProfile is the registry's view of a company.
type CompanyProfile struct {
	LegalName    string `json:"legal_name"`
	TradeName    string `json:"trade_name,omitempty"`
	SizeClass    string `json:"size_class,omitempty"`
	RevenueBand  string `json:"revenue_band,omitempty"`
	Revenue      *int64 `json:"revenue,omitempty"`
	Headcount    *int   `json:"headcount,omitempty"`
	IndustryCode string `json:"industry_code,omitempty"`
	Website      string `json:"website,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
}

// lookupResponse mirrors the provider's wire format.
type lookupResponse struct {
	RazaoSocial     string `json:"razao_social"`
	NomeFantasia    string `json:"nome_fantasia"`
	Porte           string `json:"porte"`
	FaixaFat        string `json:"faixa_faturamento"`
	FaturamentoAno  *int64 `json:"faturamento_anual"`
	QtdFuncionarios *int   `json:"qtd_funcionarios"`
	CNAEFiscal      string `json:"cnae_fiscal"`
	Site            string `json:"site"`
	Municipio       string `json:"municipio"`
	UF              string `json:"uf"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
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

// NewClient creates a registry lookup client. key may be empty for
// providers that do not require one.
func NewClient(key string, opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		key:     key,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Lookup(ctx context.Context, registryID string) (*CompanyProfile, error) {
	id := digitsOnly(registryID)
	if len(id) != 14 {
		return nil, resilience.NewValidationError(eris.Errorf("registry: malformed registry ID %q", registryID))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "registry: rate limiter wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cnpj/v1/"+id, nil)
	if err != nil {
		return nil, eris.Wrap(err, "registry: create request")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewAdapterError("registry", eris.Wrap(err, "registry: lookup request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.NewAdapterError("registry",
			eris.Errorf("registry: lookup returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			resp.StatusCode)
	}

	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, resilience.NewAdapterError("registry", eris.Wrap(err, "registry: decode response"), 0)
	}
	if lr.RazaoSocial == "" {
		return nil, resilience.NewAdapterError("registry", eris.New("registry: response missing legal name"), 0)
	}

	return &CompanyProfile{
		LegalName:    lr.RazaoSocial,
		TradeName:    lr.NomeFantasia,
		SizeClass:    lr.Porte,
		RevenueBand:  lr.FaixaFat,
		Revenue:      lr.FaturamentoAno,
		Headcount:    lr.QtdFuncionarios,
		IndustryCode: lr.CNAEFiscal,
		Website:      lr.Site,
		City:         lr.Municipio,
		State:        lr.UF,
	}, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
