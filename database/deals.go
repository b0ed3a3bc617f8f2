package database

import (
	"context"
	"database/sql"
	"fmt"

	"deal-processor/models"
)

// InsertDeal inserts one deal inside the caller's batch transaction and
// returns the generated id.
func (d *Database) InsertDeal(ctx context.Context, tx *sql.Tx, deal *models.Deal) (int64, error) {
	query := `
	INSERT INTO deals (photo_id, business_name, deal_text, price, expires_at, latitude, longitude, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := tx.ExecContext(ctx, query,
		deal.PhotoID,
		deal.BusinessName,
		deal.DealText,
		deal.Price,
		deal.ExpiresAt,
		deal.Latitude,
		deal.Longitude,
		deal.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert deal for photo %s: %w", deal.PhotoID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get generated deal id: %w", err)
	}
	return id, nil
}

// ListDeals returns the most recently created deals, newest first. With
// activeOnly set, deals whose expiration has passed are filtered out.
func (d *Database) ListDeals(ctx context.Context, activeOnly bool, limit int) ([]models.Deal, error) {
	query := `
	SELECT id, photo_id, business_name, deal_text, price, expires_at, latitude, longitude, created_at
	FROM deals`
	if activeOnly {
		query += `
	WHERE expires_at IS NULL OR expires_at > NOW()`
	}
	query += `
	ORDER BY created_at DESC
	LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deals: %w", err)
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *deal)
	}
	return deals, rows.Err()
}

// GetDeal fetches a single deal by id. Returns (nil, nil) when absent.
func (d *Database) GetDeal(ctx context.Context, id int64) (*models.Deal, error) {
	query := `
	SELECT id, photo_id, business_name, deal_text, price, expires_at, latitude, longitude, created_at
	FROM deals
	WHERE id = ?`

	deal, err := scanDeal(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return deal, err
}

// CountDeals returns the total number of persisted deals.
func (d *Database) CountDeals(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM deals").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count deals: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*models.Deal, error) {
	var (
		deal         models.Deal
		businessName sql.NullString
		expiresAt    sql.NullTime
	)

	err := row.Scan(
		&deal.ID,
		&deal.PhotoID,
		&businessName,
		&deal.DealText,
		&deal.Price,
		&expiresAt,
		&deal.Latitude,
		&deal.Longitude,
		&deal.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deal: %w", err)
	}

	if businessName.Valid {
		deal.BusinessName = &businessName.String
	}
	if expiresAt.Valid {
		deal.ExpiresAt = &expiresAt.Time
	}
	return &deal, nil
}
