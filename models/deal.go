package models

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// BatchEnvelope is the batch of queue records delivered to a single invocation.
type BatchEnvelope struct {
	Records []BatchRecord `json:"Records"`
}

// BatchRecord wraps one queued message body.
type BatchRecord struct {
	Body string `json:"body"`
}

// BatchResult is the invocation-level reply.
type BatchResult struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
	Inserted   int    `json:"inserted"`
}

// Location is a geographic point attached to a photo message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ProcessingMessage is one photo-processing message from the upload pipeline.
// DetectedText is a pointer so a missing key can be told apart from empty text.
type ProcessingMessage struct {
	PhotoID      string    `json:"photoId"`
	PhotoKey     string    `json:"photoKey"`
	Location     *Location `json:"location"`
	DetectedText *string   `json:"detectedText"`
	Timestamp    Timestamp `json:"timestamp"`
}

// Timestamp accepts either an RFC3339 string or a unix epoch number.
// Unparseable or absent values leave Valid false; the message is still usable.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Valid = false
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				t.Valid = true
				return nil
			}
		}
		return nil
	}

	if epoch, err := strconv.ParseFloat(string(data), 64); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * float64(time.Second))
		t.Time = time.Unix(sec, nsec).UTC()
		t.Valid = true
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339))
}

// Deal is the structured record extracted from one photo message.
// A Deal is immutable once built; only the repository assigns ID.
type Deal struct {
	ID           int64               `json:"id"`
	PhotoID      string              `json:"photoId"`
	BusinessName *string             `json:"businessName"`
	DealText     string              `json:"dealText"`
	Price        decimal.NullDecimal `json:"price"`
	ExpiresAt    *time.Time          `json:"expiresAt"`
	Latitude     float64             `json:"latitude"`
	Longitude    float64             `json:"longitude"`
	CreatedAt    time.Time           `json:"createdAt"`
}
