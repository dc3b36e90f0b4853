package escrow

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/swiftcart/escrow-api/internal/types"
)

// Database wraps ledger access for the settlement engine. All status
// transitions that may race are conditional updates: the WHERE clause
// carries the expected current status and zero rows affected means the
// caller lost the race.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrderByID(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus performs a conditional status transition on an
// order. Returns ErrInvalidTransition if the order was not in the
// expected status.
func (d *Database) UpdateOrderStatus(orderID, fromStatus, toStatus string) error {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, fromStatus).
		Updates(map[string]interface{}{
			"status":     toStatus,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrInvalidTransition
	}
	return nil
}

// MarkOrderDelivered moves an order to DELIVERED and stamps the
// confirmation deadline, conditional on the order being in one of the
// in-flight delivery statuses.
func (d *Database) MarkOrderDelivered(orderID string, fromStatuses []string, deadline time.Time) error {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status IN ?", orderID, fromStatuses).
		Updates(map[string]interface{}{
			"status":                types.OrderDelivered,
			"confirmation_deadline": deadline,
			"updated_at":            time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrInvalidTransition
	}
	return nil
}

// FindReleasableOrders returns orders whose confirmation window has
// elapsed: DELIVERED, deadline in the past, not soft-deleted. The
// escrow-status guard happens at release time, not here.
func (d *Database) FindReleasableOrders(now time.Time) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status = ? AND confirmation_deadline IS NOT NULL AND confirmation_deadline < ?",
		types.OrderDelivered, now).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetEscrowByID(escrowID string) (*types.Escrow, error) {
	var escrow types.Escrow
	if err := d.db.Where("escrow_id = ?", escrowID).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &escrow, nil
}

func (d *Database) GetEscrowByOrderID(orderID string) (*types.Escrow, error) {
	var escrow types.Escrow
	if err := d.db.Where("order_id = ?", orderID).First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &escrow, nil
}

func (d *Database) ListEscrows() ([]types.Escrow, error) {
	var escrows []types.Escrow
	if err := d.db.Order("created_at DESC").Find(&escrows).Error; err != nil {
		return nil, err
	}
	return escrows, nil
}

// CreateEscrowWithPayment inserts the escrow and its originating
// PAYMENT transaction in a single ledger transaction so the two rows
// exist atomically or not at all.
func (d *Database) CreateEscrowWithPayment(escrow *types.Escrow, payment *types.Transaction) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(escrow).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Create(payment).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// CASEscrowStatus atomically moves an escrow from one status to
// another: "set status=?, where id=? and status=?". A caller that
// observes zero rows affected lost the race.
func (d *Database) CASEscrowStatus(escrowID, fromStatus, toStatus string, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = toStatus
	updates["updated_at"] = time.Now()

	result := d.db.Model(&types.Escrow{}).
		Where("escrow_id = ? AND status = ?", escrowID, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (d *Database) CreateTransaction(txn *types.Transaction) error {
	return d.db.Create(txn).Error
}

func (d *Database) GetTransactionByReference(reference string) (*types.Transaction, error) {
	var txn types.Transaction
	if err := d.db.Where("reference = ?", reference).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (d *Database) GetTransactionsByEscrowID(escrowID string) ([]types.Transaction, error) {
	var txns []types.Transaction
	if err := d.db.Where("escrow_id = ?", escrowID).Order("created_at ASC").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// CASTransactionStatus atomically moves a transaction from one status
// to another, keyed by its unique idempotency reference. Replayed
// webhooks resolve to the same row and the second apply affects zero
// rows.
func (d *Database) CASTransactionStatus(reference, fromStatus, toStatus string, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = toStatus
	updates["updated_at"] = time.Now()

	result := d.db.Model(&types.Transaction{}).
		Where("reference = ? AND status = ?", reference, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (d *Database) GetPayoutRecipient(userID string) (*types.PayoutRecipient, error) {
	var recipient types.PayoutRecipient
	if err := d.db.Where("user_id = ?", userID).First(&recipient).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &recipient, nil
}

// UpsertPayoutRecipient registers or replaces a payee's recipient code.
// A single INSERT ... ON CONFLICT keeps concurrent registrations for
// the same payee from tripping the unique index.
func (d *Database) UpsertPayoutRecipient(recipient *types.PayoutRecipient) error {
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"recipient_code", "bank_name", "updated_at"}),
	}).Create(recipient).Error
}
