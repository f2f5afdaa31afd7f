package model

import "time"

// EnrichmentStatus represents the enrichment state of a client record.
type EnrichmentStatus string

const (
	ClientPending  EnrichmentStatus = "pending"
	ClientEnriched EnrichmentStatus = "enriched"
	ClientFailed   EnrichmentStatus = "failed"
)

// Client is a company record to be enriched. Created by import or manual
// entry; the pipeline mutates only its status and derived profile fields.
type Client struct {
	ID             string           `json:"id"`
	RunID          string           `json:"run_id" validate:"required"`
	ProjectID      string           `json:"project_id"`
	Name           string           `json:"name" validate:"required,min=2"`
	RegistryID     string           `json:"registry_id,omitempty" validate:"omitempty,cnpj"`
	PrimaryProduct string           `json:"primary_product,omitempty"`
	Status         EnrichmentStatus `json:"status"`
	Attempts       int              `json:"attempts"`

	// Profile fields derived from registry enrichment.
	LegalName    string `json:"legal_name,omitempty"`
	SizeClass    string `json:"size_class,omitempty"`
	RevenueBand  string `json:"revenue_band,omitempty"`
	Revenue      *int64 `json:"revenue,omitempty"`
	Headcount    *int   `json:"headcount,omitempty"`
	IndustryCode string `json:"industry_code,omitempty"`
	Website      string `json:"website,omitempty"`

	FitScore int `json:"fit_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Market is a deduplicated market segment discovered via LLM extraction.
// Hash is the dedup identity: repeated runs that rediscover "the same"
// market merge into one row instead of creating duplicates.
type Market struct {
	ID           string    `json:"id"`
	Hash         string    `json:"hash"`
	Name         string    `json:"name"`
	Segment      string    `json:"segment,omitempty"`
	Players      []string  `json:"players,omitempty"`
	TrendSummary string    `json:"trend_summary,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Product is one product line of a client surfaced by the LLM stage.
// Active must always be set explicitly on insert; a zero-value row would
// silently hide the product from the rest of the application.
type Product struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Hash        string    `json:"hash"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Band classifies a quality score.
type Band string

const (
	BandExcellent  Band = "excellent"
	BandGood       Band = "good"
	BandAcceptable Band = "acceptable"
	BandPoor       Band = "poor"
)

// Competitor is a rival discovered in a market via the search stage,
// deduplicated by a hash of (market, normalized name).
type Competitor struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"market_id"`
	Hash      string    `json:"hash"`
	Name      string    `json:"name"`
	Product   string    `json:"product,omitempty"`
	Website   string    `json:"website,omitempty"`
	Score     int       `json:"score"`
	Band      Band      `json:"band"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LeadStage is the sales-pipeline stage of a lead. It is mutated by the
// surrounding CRUD application, never by the enrichment pipeline.
type LeadStage string

const (
	LeadStageNew         LeadStage = "new"
	LeadStageContacted   LeadStage = "contacted"
	LeadStageNegotiation LeadStage = "negotiation"
	LeadStageClosed      LeadStage = "closed"
	LeadStageLost        LeadStage = "lost"
)

// Lead is a prospect discovered in a market; same shape as Competitor plus
// a sales-pipeline stage and conversion estimates.
type Lead struct {
	ID               string    `json:"id"`
	MarketID         string    `json:"market_id"`
	Hash             string    `json:"hash"`
	Name             string    `json:"name"`
	Product          string    `json:"product,omitempty"`
	Website          string    `json:"website,omitempty"`
	Score            int       `json:"score"`
	Band             Band      `json:"band"`
	Stage            LeadStage `json:"stage"`
	ConversionProb   *float64  `json:"conversion_prob,omitempty"`
	PotentialRevenue *int64    `json:"potential_revenue,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
