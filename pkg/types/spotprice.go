package types

import "time"

// WindowDuration is how long a single day-ahead quotation is valid for.
const WindowDuration = time.Hour

// SpotPrice is one hourly day-ahead quotation. It is a value object: the
// exporter derives new copies instead of mutating records it was handed.
type SpotPrice struct {
	// ID and Source are assigned when the record is exported, never by the
	// price source.
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	From time.Time `json:"from" yaml:"from"`
	Till time.Time `json:"till" yaml:"till"`

	MarketPrice    float64 `json:"marketPrice" yaml:"marketPrice"`
	MarketPriceTax float64 `json:"marketPriceTax" yaml:"marketPriceTax"`

	// SourcingMarkupPrice and EnergyTaxPrice are filled by a downstream
	// enrichment step and are always zero when exported.
	SourcingMarkupPrice float64 `json:"sourcingMarkupPrice" yaml:"sourcingMarkupPrice"`
	EnergyTaxPrice      float64 `json:"energyTaxPrice" yaml:"energyTaxPrice"`
}

// NewSpotPrice returns a quotation for the window starting at from.
func NewSpotPrice(from time.Time, marketPrice, marketPriceTax float64) SpotPrice {
	return SpotPrice{
		From:           from,
		Till:           from.Add(WindowDuration),
		MarketPrice:    marketPrice,
		MarketPriceTax: marketPriceTax,
	}
}

// WithIdentity returns a copy of p carrying the given id and source tag.
func (p SpotPrice) WithIdentity(id, source string) SpotPrice {
	p.ID = id
	p.Source = source
	return p
}

// IsFuture reports whether the window has not ended yet at now.
func (p SpotPrice) IsFuture(now time.Time) bool {
	return p.Till.After(now)
}
