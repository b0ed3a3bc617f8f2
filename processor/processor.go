package processor

import (
	"fmt"
	"time"

	"deal-processor/extractor"
	"deal-processor/models"

	"github.com/apex/log"
	"github.com/golang/geo/s2"
	"github.com/shopspring/decimal"
)

// Fallback coordinates used when a message carries no usable location.
const (
	FallbackLatitude  = 37.89197
	FallbackLongitude = -76.44494
)

// DealProcessor turns one photo-processing message into a Deal. Extraction
// candidates come from the extractor package; this layer only selects and
// merges.
type DealProcessor struct{}

// NewDealProcessor creates a new deal processor.
func NewDealProcessor() *DealProcessor {
	return &DealProcessor{}
}

// Process builds the Deal for msg. now is the processing instant, used for
// created_at when the message has no usable timestamp. The returned error is
// non-nil only for messages missing their required fields.
func (p *DealProcessor) Process(msg *models.ProcessingMessage, now time.Time) (*models.Deal, error) {
	if msg.PhotoID == "" {
		return nil, fmt.Errorf("message has no photoId")
	}
	if msg.DetectedText == nil {
		return nil, fmt.Errorf("message %s has no detectedText", msg.PhotoID)
	}
	text := *msg.DetectedText

	deal := &models.Deal{
		PhotoID:   msg.PhotoID,
		DealText:  text,
		CreatedAt: now,
	}
	if msg.Timestamp.Valid {
		deal.CreatedAt = msg.Timestamp.Time
	}

	deal.BusinessName = selectBusinessName(text)
	deal.Price = selectPrice(msg.PhotoID, text)
	deal.ExpiresAt = selectExpiration(text)
	deal.Latitude, deal.Longitude = selectLocation(msg.Location)

	return deal, nil
}

// selectBusinessName runs the line heuristic first and falls back to the
// capitalized-word heuristic when no line qualifies.
func selectBusinessName(text string) *string {
	if names := extractor.BusinessNames(text); len(names) > 0 {
		return &names[0]
	}
	if name := extractor.BusinessNameFallback(text); name != "" {
		return &name
	}
	return nil
}

// selectPrice takes the first price candidate. The matching pattern already
// guarantees a parseable amount; if conversion still fails the field is
// treated as not found rather than failing the message.
func selectPrice(photoID, text string) decimal.NullDecimal {
	prices := extractor.Prices(text)
	if len(prices) == 0 {
		return decimal.NullDecimal{}
	}

	amount, err := decimal.NewFromString(prices[0])
	if err != nil {
		log.Warnf("Unparseable price %q for photo %s, treating as no price", prices[0], photoID)
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: amount, Valid: true}
}

// selectExpiration takes the first date candidate that parsed to an instant.
func selectExpiration(text string) *time.Time {
	for _, candidate := range extractor.ExpirationDates(text) {
		if candidate.Parsed != nil {
			return candidate.Parsed
		}
	}
	return nil
}

// selectLocation returns the message coordinates when present and plausible,
// otherwise the fallback pair.
func selectLocation(loc *models.Location) (float64, float64) {
	if loc == nil {
		return FallbackLatitude, FallbackLongitude
	}
	if !s2.LatLngFromDegrees(loc.Latitude, loc.Longitude).IsValid() {
		log.Warnf("Out-of-range location (%f, %f), using fallback", loc.Latitude, loc.Longitude)
		return FallbackLatitude, FallbackLongitude
	}
	return loc.Latitude, loc.Longitude
}
