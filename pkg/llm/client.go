// Package llm wraps the Anthropic API behind the narrow inference contract
// the enrichment pipeline needs: given a client company, return its markets
// and product lines as structured JSON. Schema mismatches surface as typed
// adapter errors, never as partial garbage.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/marketscope/enrich-cli/internal/resilience"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 4096
)

// Client defines the inference operation used by the market-extraction stage.
type Client interface {
	InferMarketsAndProducts(ctx context.Context, req InferenceRequest) (*Inference, error)
}

// InferenceRequest describes the client company to analyze.
type InferenceRequest struct {
	CompanyName    string
	PrimaryProduct string
}

// Inference is the structured result of one inference call.
type Inference struct {
	Markets  []InferredMarket  `json:"markets"`
	Products []InferredProduct `json:"products"`
}

// InferredMarket is one market segment the model identified.
type InferredMarket struct {
	Name         string   `json:"name"`
	Segment      string   `json:"segment"`
	Players      []string `json:"players,omitempty"`
	TrendSummary string   `json:"trend_summary,omitempty"`
}

// InferredProduct is one product line the model identified.
type InferredProduct struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

const systemPrompt = `You are a market analyst for the Brazilian B2B market.
Given a company name and optionally its primary product, identify the market
segments it operates in and its product lines.

Respond with ONLY a JSON object, no prose, in this exact shape:
{
  "markets": [
    {"name": "...", "segment": "...", "players": ["..."], "trend_summary": "..."}
  ],
  "products": [
    {"name": "...", "description": "..."}
  ]
}

Market names must be short noun phrases. Include at most 5 markets and 10
products. If you cannot identify any market, return empty arrays.`

// Option configures the client.
type Option func(*sdkClient)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *sdkClient) { c.model = model }
}

// WithMaxTokens overrides the default response budget.
func WithMaxTokens(n int64) Option {
	return func(c *sdkClient) { c.maxTokens = n }
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewClient creates an inference client backed by the Anthropic SDK.
func NewClient(apiKey string, opts ...Option) Client {
	c := &sdkClient{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *sdkClient) InferMarketsAndProducts(ctx context.Context, req InferenceRequest) (*Inference, error) {
	if req.CompanyName == "" {
		return nil, resilience.NewValidationError(eris.New("llm: company name is required"))
	}

	var prompt strings.Builder
	prompt.WriteString("Company: ")
	prompt.WriteString(req.CompanyName)
	if req.PrimaryProduct != "" {
		prompt.WriteString("\nKnown product: ")
		prompt.WriteString(req.PrimaryProduct)
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt.String())),
		},
	})
	if err != nil {
		return nil, resilience.NewAdapterError("llm", eris.Wrap(err, "llm: create message"), 0)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return parseInference(text.String())
}

// parseInference decodes and validates the model's JSON output. Anything
// that does not match the contract is a typed adapter failure.
func parseInference(raw string) (*Inference, error) {
	cleaned := stripFences(raw)
	if cleaned == "" {
		return nil, resilience.NewAdapterError("llm", eris.New("llm: empty response"), 0)
	}

	var inf Inference
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inf); err != nil {
		return nil, resilience.NewAdapterError("llm", eris.Wrap(err, "llm: response is not valid inference JSON"), 0)
	}

	for i, m := range inf.Markets {
		if strings.TrimSpace(m.Name) == "" {
			return nil, resilience.NewAdapterError("llm", eris.Errorf("llm: market %d has no name", i), 0)
		}
	}
	for i, p := range inf.Products {
		if strings.TrimSpace(p.Name) == "" {
			return nil, resilience.NewAdapterError("llm", eris.Errorf("llm: product %d has no name", i), 0)
		}
	}

	return &inf, nil
}

// stripFences removes a surrounding markdown code fence if the model added
// one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
