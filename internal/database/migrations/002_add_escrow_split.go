package migrations

import (
	"gorm.io/gorm"

	"github.com/swiftcart/escrow-api/internal/types"
)

// AddEscrowSplit promotes the merchant/driver split from transaction
// metadata to first-class columns on the escrow table.
func AddEscrowSplit(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Escrow{}); err != nil {
		return err
	}

	return nil
}
