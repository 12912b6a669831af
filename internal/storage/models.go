package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the storage engine could not be opened
	// or the store has been closed. Callers decide whether to fall back to
	// OpenMemory.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrInvalidRecord is returned by writes that break a record invariant.
	ErrInvalidRecord = errors.New("invalid record")
)

// CurrentSchemaVersion is stamped on payloads written without an explicit version.
const CurrentSchemaVersion = 1

// Mode reports whether the store survives a restart.
type Mode string

const (
	ModeDurable Mode = "durable"
	ModeMemory  Mode = "memory"
)

// StoredResponse is one upstream call's durable record.
type StoredResponse struct {
	ID              string
	Idea            string
	Source          string
	Endpoint        string
	Payload         json.RawMessage // opaque, never interpreted by the store
	SchemaVersion   int
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Metadata        Metadata
	DerivedInsights *DerivedInsights
}

// Expired reports whether the record is no longer fresh at now.
func (r StoredResponse) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Metadata describes how a response was obtained.
type Metadata struct {
	Query        string            `json:"query,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	Topics       []string          `json:"topics,omitempty"`
	Confidence   float64           `json:"confidence,omitempty"`
	RelatedIdeas []string          `json:"related_ideas,omitempty"`
}

// DerivedInsights are domain interpretations computed elsewhere and cached
// next to the raw payload. Nil fields are left untouched by AttachInsights.
type DerivedInsights struct {
	Sentiment   json.RawMessage `json:"sentiment,omitempty"`
	MarketSize  json.RawMessage `json:"market_size,omitempty"`
	Competitors json.RawMessage `json:"competitors,omitempty"`
	Trends      json.RawMessage `json:"trends,omitempty"`
	Engagement  json.RawMessage `json:"engagement,omitempty"`
	Financial   json.RawMessage `json:"financial,omitempty"`
}

func (d *DerivedInsights) merge(other DerivedInsights) {
	overlay := func(dst *json.RawMessage, src json.RawMessage) {
		if len(src) > 0 {
			*dst = src
		}
	}
	overlay(&d.Sentiment, other.Sentiment)
	overlay(&d.MarketSize, other.MarketSize)
	overlay(&d.Competitors, other.Competitors)
	overlay(&d.Trends, other.Trends)
	overlay(&d.Engagement, other.Engagement)
	overlay(&d.Financial, other.Financial)
}

// Insight is a tile-scoped interpretation. SourceResponseIDs is provenance
// only: deleting a response does not delete insights derived from it.
type Insight struct {
	ID                string
	Idea              string
	TileType          string
	Data              json.RawMessage
	Confidence        float64
	CreatedAt         time.Time
	SourceResponseIDs []string
}

// Usage is an approximate size report. Zero values mean unknown.
type Usage struct {
	Used  int64 `json:"used"`
	Quota int64 `json:"quota"`
}

// Stats counts rows per table.
type Stats struct {
	Responses int `json:"responses"`
	Insights  int `json:"insights"`
	Meta      int `json:"meta"`
}

var responseNamespace = uuid.MustParse("6f1c2a7e-3b52-4f0e-9d7a-8c1e5b2d4a90")

// ResponseID derives the stable identity of a response from the idea, the
// upstream source and the endpoint. Equal inputs always yield the same id.
func ResponseID(idea, source, endpoint string) string {
	name := idea + "\x00" + source + "\x00" + endpoint
	return uuid.NewSHA1(responseNamespace, []byte(name)).String()
}

var insightNamespace = uuid.MustParse("0d4e8b3a-71c2-4a6f-b5e9-2f8c6d1a3e57")

// InsightID derives the identity of the insight for one tile of an idea, so a
// refresh replaces the previous interpretation instead of accumulating.
func InsightID(idea, tileType string) string {
	return uuid.NewSHA1(insightNamespace, []byte(idea+"\x00"+tileType)).String()
}
