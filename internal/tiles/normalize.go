package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kalambet/fitscope/internal/breaker"
)

// ErrMalformedPayload is returned when an adapter answers with something
// that is not a tile document. It counts as an upstream failure.
var ErrMalformedPayload = errors.New("malformed tile payload")

const (
	// defaultConfidence applies when a payload carries no confidence.
	defaultConfidence = 0.5
	// fallbackConfidence is what every degraded tile reports.
	fallbackConfidence = 0.25

	highConfidence   = 0.7
	mediumConfidence = 0.4
)

// document is the TileData-shaped JSON adapters answer with.
type document struct {
	Metrics     []Metric     `json:"metrics"`
	Explanation string       `json:"explanation"`
	Confidence  *float64     `json:"confidence"`
	DataQuality Quality      `json:"data_quality"`
	Citations   []Citation   `json:"citations"`
	Charts      []ChartPoint `json:"charts"`
}

// normalize turns an adapter payload into TileData. A payload-supplied
// quality grade wins; otherwise the grade follows the confidence.
func normalize(tile Type, source string, raw json.RawMessage, fetchedAt time.Time) (TileData, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return TileData{}, fmt.Errorf("%w: %s: not a JSON object", ErrMalformedPayload, tile)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return TileData{}, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, tile, err)
	}

	conf := defaultConfidence
	if doc.Confidence != nil {
		conf = clamp01(*doc.Confidence)
	}
	quality := doc.DataQuality
	if !quality.valid() {
		quality = gradeFor(conf)
	}
	explanation := doc.Explanation
	if explanation == "" {
		explanation = tile.Title() + " analysis"
	}

	return TileData{
		Tile:        tile,
		Source:      source,
		Metrics:     orEmpty(doc.Metrics),
		Explanation: explanation,
		Confidence:  conf,
		DataQuality: quality,
		Citations:   orEmpty(doc.Citations),
		Charts:      doc.Charts,
		Raw:         raw,
		FetchedAt:   fetchedAt,
	}, nil
}

func gradeFor(conf float64) Quality {
	switch {
	case conf >= highConfidence:
		return QualityHigh
	case conf >= mediumConfidence:
		return QualityMedium
	default:
		return QualityLow
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Degraded reasons.
const (
	reasonBreakerOpen   = "breaker_open"
	reasonUpstreamError    = "upstream_error"
	reasonUpstreamRejected = "upstream_rejected"
	reasonMalformed        = "malformed_payload"
	reasonCancelled        = "cancelled"
)

// retryable is implemented by backend errors that know whether the request
// itself was at fault.
type retryable interface {
	Retryable() bool
}

func reasonFor(cause error) string {
	var r retryable
	switch {
	case errors.Is(cause, breaker.ErrOpen):
		return reasonBreakerOpen
	case errors.Is(cause, context.Canceled):
		return reasonCancelled
	case errors.Is(cause, ErrMalformedPayload):
		return reasonMalformed
	case errors.As(cause, &r) && !r.Retryable():
		return reasonUpstreamRejected
	default:
		return reasonUpstreamError
	}
}

// fallbackFor synthesizes the degraded stand-in for a tile. It never fails.
func fallbackFor(tile Type, source string, cause error, now time.Time) TileData {
	explanation := fmt.Sprintf(
		"%s analysis is temporarily degraded. The upstream source is unavailable, so this tile shows placeholder data.",
		tile.Title(),
	)
	return TileData{
		Tile:           tile,
		Source:         source,
		Metrics:        []Metric{},
		Explanation:    explanation,
		Confidence:     fallbackConfidence,
		DataQuality:    QualityLow,
		Citations:      []Citation{},
		Degraded:       true,
		DegradedReason: reasonFor(cause),
		FetchedAt:      now,
	}
}
