package database

import (
	"fmt"

	"github.com/apex/log"
)

// InitSchema creates the deals table if it doesn't exist. Safe to call on
// every service start.
func InitSchema(d *Database) error {
	log.Info("Initializing deal processor database schema...")

	dealsTableSQL := `
	CREATE TABLE IF NOT EXISTS deals(
		id BIGINT NOT NULL AUTO_INCREMENT,
		photo_id VARCHAR(255) NOT NULL,
		business_name VARCHAR(255),
		deal_text TEXT NOT NULL,
		price DECIMAL(10, 2),
		expires_at TIMESTAMP NULL,
		latitude DECIMAL(10, 8) NOT NULL,
		longitude DECIMAL(11, 8) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		INDEX photo_id_index (photo_id),
		INDEX idx_deals_expires_at (expires_at),
		INDEX idx_deals_created_at (created_at)
	)`

	if _, err := d.db.Exec(dealsTableSQL); err != nil {
		return fmt.Errorf("failed to create deals table: %w", err)
	}
	log.Info("deals table created/verified")

	return nil
}
