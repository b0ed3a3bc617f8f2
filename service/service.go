package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deal-processor/config"
	"deal-processor/database"
	"deal-processor/metrics"
	"deal-processor/models"
	"deal-processor/processor"

	"github.com/apex/log"
)

// ErrMalformedMessage marks batches that can never succeed: invalid JSON or
// a record missing photoId/detectedText. Callers map it to the queue's
// non-retriable failure path; everything else is retriable.
var ErrMalformedMessage = errors.New("malformed message")

// Service processes batches of photo messages into persisted deals.
type Service struct {
	config    *config.Config
	db        *database.Database
	processor *processor.DealProcessor
}

// NewService creates a new deal processing service
func NewService(cfg *config.Config, db *database.Database) *Service {
	return &Service{
		config:    cfg,
		db:        db,
		processor: processor.NewDealProcessor(),
	}
}

// Start prepares the service for processing.
func (s *Service) Start() error {
	log.Info("Starting deal processing service...")

	if err := database.InitSchema(s.db); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ProcessBatch handles one delivered batch envelope as an all-or-nothing
// unit: every record is normalized and inserted inside a single transaction,
// and any failure rolls the whole batch back. Returns the number of deals
// persisted.
func (s *Service) ProcessBatch(ctx context.Context, body []byte) (int, error) {
	started := time.Now()

	var envelope models.BatchEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("%w: invalid batch envelope: %v", ErrMalformedMessage, err)
	}
	if len(envelope.Records) == 0 {
		log.Warn("Received batch with no records")
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	for i, record := range envelope.Records {
		var msg models.ProcessingMessage
		if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
			return 0, fmt.Errorf("%w: record %d has invalid body: %v", ErrMalformedMessage, i, err)
		}

		deal, err := s.processor.Process(&msg, started)
		if err != nil {
			return 0, fmt.Errorf("%w: record %d: %v", ErrMalformedMessage, i, err)
		}

		id, err := s.db.InsertDeal(ctx, tx, deal)
		if err != nil {
			return 0, err
		}
		log.Infof("Persisted deal %d for photo %s", id, deal.PhotoID)
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	metrics.DealsPersistedTotal.Add(float64(inserted))
	metrics.BatchDurationSeconds.Observe(time.Since(started).Seconds())
	log.Infof("Committed batch of %d deals in %v", inserted, time.Since(started))
	return inserted, nil
}
