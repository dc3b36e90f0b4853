package migrations

import (
	"gorm.io/gorm"

	"github.com/swiftcart/escrow-api/internal/types"
)

func AddPayoutRecipients(db *gorm.DB) error {
	// Create the new tables
	if err := db.AutoMigrate(&types.PayoutRecipient{}); err != nil {
		return err
	}

	return nil
}
