// Package tiles fans one idea out to independent upstream sources, guards
// each behind its own circuit breaker and merges the answers into a uniform
// set of TileData, one per tile, whether the upstream answered or not.
package tiles

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type names one tile of the dashboard.
type Type string

const (
	Sentiment    Type = "sentiment"
	MarketTrends Type = "market_trends"
	Competitors  Type = "competitors"
	MarketSize   Type = "market_size"
	Engagement   Type = "engagement"
	Financial    Type = "financial"
)

// AllTypes lists every known tile in dashboard order.
func AllTypes() []Type {
	return []Type{Sentiment, MarketTrends, Competitors, MarketSize, Engagement, Financial}
}

// ParseType validates a tile name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tile type %q", s)
}

// Title is the human-readable tile name, e.g. "Market Trends".
func (t Type) Title() string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// Quality is a coarse data-quality grade.
type Quality string

const (
	QualityHigh   Quality = "high"
	QualityMedium Quality = "medium"
	QualityLow    Quality = "low"
)

func (q Quality) valid() bool {
	return q == QualityHigh || q == QualityMedium || q == QualityLow
}

// Metric is one headline number of a tile.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
	Trend string  `json:"trend,omitempty"` // up, down, flat
}

// Citation points at the evidence behind a tile.
type Citation struct {
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`
}

// ChartPoint is one point of an optional chart series.
type ChartPoint struct {
	Label  string  `json:"label"`
	Value  float64 `json:"value"`
	Series string  `json:"series,omitempty"`
}

// TileData is the uniform result of one tile. Genuine and degraded results
// share this shape so renderers never special-case either.
type TileData struct {
	Tile        Type            `json:"tile"`
	Source      string          `json:"source"`
	Metrics     []Metric        `json:"metrics"`
	Explanation string          `json:"explanation"`
	Confidence  float64         `json:"confidence"`
	DataQuality Quality         `json:"data_quality"`
	Citations   []Citation      `json:"citations"`
	Charts      []ChartPoint    `json:"charts,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`

	Degraded       bool      `json:"degraded"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
	FromCache      bool      `json:"from_cache"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// Result maps each requested tile to its data.
type Result map[Type]TileData

// Options steer one fetch.
type Options struct {
	Tiles        []Type // empty means every registered tile
	ForceRefresh bool   // skip the cache read
	NoPersist    bool   // skip store writes
}
