package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/swiftcart/escrow-api/internal/audit"
	"github.com/swiftcart/escrow-api/internal/database/migrations"
	"github.com/swiftcart/escrow-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	// TranslateError turns driver unique-constraint failures into
	// gorm.ErrDuplicatedKey so the engine can map races to Conflict.
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddPayoutRecipients(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddEscrowSplit(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.Order{},
		&types.Transaction{},
		&audit.Event{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
