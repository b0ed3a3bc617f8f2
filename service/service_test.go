package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"deal-processor/config"
	"deal-processor/database"
	"deal-processor/models"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func newTestService() *Service {
	return NewService(&config.Config{}, database.NewWithDB(db))
}

func recordBody(t *testing.T, msg map[string]any) string {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal record body: %v", err)
	}
	return string(body)
}

func envelope(t *testing.T, bodies ...string) []byte {
	t.Helper()
	env := models.BatchEnvelope{}
	for _, b := range bodies {
		env.Records = append(env.Records, models.BatchRecord{Body: b})
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return raw
}

func TestProcessBatchCommitsAllRecords(t *testing.T) {
	it(func() {
		svc := newTestService()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO deals").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO deals").
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		batch := envelope(t,
			recordBody(t, map[string]any{
				"photoId":      "photo-1",
				"detectedText": "Joe's Pizza\n$5.99\nExpires 12/25/2025",
			}),
			recordBody(t, map[string]any{
				"photoId":      "photo-2",
				"detectedText": "Fresh Market\nmelons today",
				"location":     map[string]float64{"latitude": 38.9, "longitude": -77.0},
			}),
		)

		inserted, err := svc.ProcessBatch(context.Background(), batch)
		if err != nil {
			t.Fatalf("ProcessBatch: unexpected error: %v", err)
		}
		if inserted != 2 {
			t.Errorf("ProcessBatch: inserted = %d, want 2", inserted)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("ProcessBatch: unmet expectations: %v", err)
		}
	})
}

func TestProcessBatchRollsBackOnMalformedRecord(t *testing.T) {
	it(func() {
		svc := newTestService()

		// Three valid records insert, then the malformed fourth aborts the
		// whole batch: nothing may be committed.
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO deals").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO deals").WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("INSERT INTO deals").WillReturnResult(sqlmock.NewResult(3, 1))
		mock.ExpectRollback()

		valid := func(n int) string {
			return recordBody(t, map[string]any{
				"photoId":      fmt.Sprintf("photo-%d", n),
				"detectedText": "Deal text",
			})
		}
		batch := envelope(t, valid(1), valid(2), valid(3), "{not json")

		inserted, err := svc.ProcessBatch(context.Background(), batch)
		if err == nil {
			t.Fatal("ProcessBatch: expected error for malformed record")
		}
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("ProcessBatch: error = %v, want ErrMalformedMessage", err)
		}
		if inserted != 0 {
			t.Errorf("ProcessBatch: inserted = %d, want 0", inserted)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("ProcessBatch: unmet expectations: %v", err)
		}
	})
}

func TestProcessBatchRollsBackOnMissingRequiredField(t *testing.T) {
	it(func() {
		svc := newTestService()

		mock.ExpectBegin()
		mock.ExpectRollback()

		batch := envelope(t, recordBody(t, map[string]any{
			"photoId": "photo-1",
			// detectedText key absent
		}))

		_, err := svc.ProcessBatch(context.Background(), batch)
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("ProcessBatch: error = %v, want ErrMalformedMessage", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("ProcessBatch: unmet expectations: %v", err)
		}
	})
}

func TestProcessBatchRollsBackOnInsertFailure(t *testing.T) {
	it(func() {
		svc := newTestService()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO deals").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		batch := envelope(t, recordBody(t, map[string]any{
			"photoId":      "photo-1",
			"detectedText": "Deal text",
		}))

		_, err := svc.ProcessBatch(context.Background(), batch)
		if err == nil {
			t.Fatal("ProcessBatch: expected error for insert failure")
		}
		// Persistence failures stay retriable.
		if errors.Is(err, ErrMalformedMessage) {
			t.Errorf("ProcessBatch: insert failure must not be malformed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("ProcessBatch: unmet expectations: %v", err)
		}
	})
}

func TestProcessBatchRejectsInvalidEnvelope(t *testing.T) {
	it(func() {
		svc := newTestService()

		_, err := svc.ProcessBatch(context.Background(), []byte("not an envelope"))
		if !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("ProcessBatch: error = %v, want ErrMalformedMessage", err)
		}
	})
}

func TestProcessBatchEmptyEnvelope(t *testing.T) {
	it(func() {
		svc := newTestService()

		inserted, err := svc.ProcessBatch(context.Background(), envelope(t))
		if err != nil {
			t.Errorf("ProcessBatch: unexpected error: %v", err)
		}
		if inserted != 0 {
			t.Errorf("ProcessBatch: inserted = %d, want 0", inserted)
		}
	})
}
