// Package scorer computes data-quality scores for enriched entities. Every
// function is pure and total: nil or absent inputs score as zero, results
// are clamped to [0,100], and nothing here can be the reason an enrichment
// stage fails.
package scorer

import "math"

// revenueCap is the annual revenue (BRL) that maps to a full 100 on the
// revenue component of the priority score.
const revenueCap = 100_000_000

// Profile holds the completeness-relevant attributes of an entity. Pointer
// fields distinguish "absent" from zero.
type Profile struct {
	RegistryID   string
	SizeClass    string
	Revenue      *int64
	Headcount    *int
	IndustryCode string
	Website      string
}

// FitFromCompleteness scores how complete a profile is, as a weighted sum
// over field presence using the given weights.
func FitFromCompleteness(p Profile, w Weights) int {
	score := 0
	if p.RegistryID != "" {
		score += w.RegistryID
	}
	if p.SizeClass != "" {
		score += w.SizeClass
	}
	if p.Revenue != nil && *p.Revenue > 0 {
		score += w.Revenue
	}
	if p.Headcount != nil && *p.Headcount > 0 {
		score += w.Headcount
	}
	if p.IndustryCode != "" {
		score += w.IndustryCode
	}
	if p.Website != "" {
		score += w.Website
	}
	return clamp(score)
}

// Priority combines fit, conversion probability, and revenue potential:
// 0.4*fit + 0.3*conversion + 0.3*normalized revenue, rounded and clamped.
// Nil inputs contribute zero.
func Priority(fit int, conversionProb *float64, potentialRevenue *int64) int {
	conv := 0.0
	if conversionProb != nil {
		conv = *conversionProb
	}
	rev := 0.0
	if potentialRevenue != nil && *potentialRevenue > 0 {
		rev = float64(*potentialRevenue) / revenueCap * 100
		if rev > 100 {
			rev = 100
		}
	}
	score := 0.4*float64(clamp(fit)) + 0.3*clampF(conv) + 0.3*rev
	return clamp(int(math.Round(score)))
}

// DiscoveredFit scores a competitor or lead surfaced by entity search,
// where only name, product, website, and description are knowable. A
// nameless entity scores zero.
func DiscoveredFit(name, product, website, description string) int {
	if name == "" {
		return 0
	}
	score := 40
	if product != "" {
		score += 25
	}
	if website != "" {
		score += 25
	}
	if description != "" {
		score += 10
	}
	return clamp(score)
}

// Band classification thresholds are inclusive on the lower bound.
type Band = string

const (
	BandExcellent  Band = "excellent"
	BandGood       Band = "good"
	BandAcceptable Band = "acceptable"
	BandPoor       Band = "poor"
)

// Classify maps a score to its quality band.
func Classify(score int) Band {
	switch s := clamp(score); {
	case s >= 90:
		return BandExcellent
	case s >= 70:
		return BandGood
	case s >= 50:
		return BandAcceptable
	default:
		return BandPoor
	}
}

func clamp(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func clampF(s float64) float64 {
	if s < 0 || math.IsNaN(s) {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
