package bid

import "time"

// Bid is one version of a provider's proposal for a tender. Proposal content
// lives in external storage; only hashes and URLs are recorded here.
type Bid struct {
	ID             string
	TenderID       string
	ProviderID     string
	Version        int
	TechnicalHash  string
	TechnicalURL   string
	FinancialHash  string
	FinancialURL   string
	Withdrawn      bool
	TechnicalScore *float64
	FinancialScore *float64
	Preferred      bool
	SubmittedAt    time.Time
}

// Criterion is one weighted scoring axis.
type Criterion struct {
	Name   string
	Score  float64
	Weight float64
}

// WeightedScore aggregates criteria into a single [0,100] score.
func WeightedScore(criteria []Criterion) float64 {
	var sum, weights float64
	for _, c := range criteria {
		score := c.Score
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		sum += score * c.Weight
		weights += c.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}
