package models

import "time"

// Recommendation is the trading stance attached to an insight.
type Recommendation string

const (
	Buy  Recommendation = "Buy"
	Sell Recommendation = "Sell"
	Hold Recommendation = "Hold"
)

// Category classifies what kind of signal an insight carries.
type Category string

const (
	CategoryTechnical   Category = "technical"
	CategoryFundamental Category = "fundamental"
	CategoryNews        Category = "news"
	CategorySector      Category = "sector"
	CategoryActionable  Category = "actionable"
)

// Categories lists every supported category.
var Categories = []Category{CategoryTechnical, CategoryFundamental, CategoryNews, CategorySector, CategoryActionable}

// ValidCategory reports whether c is a supported category.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Insight is a structured trading signal extracted from a post.
type Insight struct {
	Symbol         string         `json:"symbol" validate:"required,max=16"`
	Recommendation Recommendation `json:"recommendation" validate:"oneof=Buy Sell Hold"`
	Summary        string         `json:"summary"`
	Confidence     float64        `json:"confidence" validate:"gte=0,lte=1"`
	Category       Category       `json:"category" validate:"oneof=technical fundamental news sector actionable"`
	OptionDetails  string         `json:"optionDetails,omitempty"`
	Source         string         `json:"source"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Validate checks insight field constraints.
func (i *Insight) Validate() error {
	return validateStruct(i)
}

// InsightUpdate is published when a post finishes extraction.
type InsightUpdate struct {
	PostKey  string    `json:"postKey"`
	Source   string    `json:"source"`
	Insights []Insight `json:"insights"`
}
