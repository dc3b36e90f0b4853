package types

import (
	"time"

	"gorm.io/gorm"
)

// Order delivery statuses
const (
	OrderPending   = "PENDING"
	OrderConfirmed = "CONFIRMED"
	OrderAccepted  = "ACCEPTED"
	OrderPickedUp  = "PICKED_UP"
	OrderInTransit = "IN_TRANSIT"
	OrderDelivered = "DELIVERED"
	OrderCancelled = "CANCELLED"
)

// Escrow statuses
const (
	EscrowHeld     = "HELD"
	EscrowReleased = "RELEASED"
	EscrowRefunded = "REFUNDED"
	EscrowDisputed = "DISPUTED"
)

// Transaction types
const (
	TxPayment       = "PAYMENT"
	TxEscrowRelease = "ESCROW_RELEASE"
	TxRefund        = "REFUND"
	TxTransferIn    = "TRANSFER_IN"
	TxTransferOut   = "TRANSFER_OUT"
)

// Transaction statuses
const (
	TxPending   = "PENDING"
	TxCompleted = "COMPLETED"
	TxFailed    = "FAILED"
	TxRefunded  = "REFUNDED"
)

// Order represents a single merchant/customer/driver transaction unit.
// Orders are soft-deleted only (gorm.Model.DeletedAt) for financial
// record retention.
type Order struct {
	gorm.Model           `json:"-"`
	OrderID              string     `gorm:"uniqueIndex" json:"order_id"`
	CustomerID           string     `json:"customer_id"`
	MerchantID           string     `json:"merchant_id"`
	DriverID             string     `json:"driver_id"`
	TotalAmount          int64      `json:"total_amount"` // minor units
	Currency             string     `json:"currency"`
	Status               string     `json:"status"` // PENDING, CONFIRMED, ACCEPTED, PICKED_UP, IN_TRANSIT, DELIVERED, CANCELLED
	ConfirmationDeadline *time.Time `json:"confirmation_deadline,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Escrow holds customer funds for one order until release conditions
// are met. Amount and the merchant/driver split are immutable after
// creation; at most one non-deleted escrow exists per order, enforced
// by a partial unique index over live rows.
type Escrow struct {
	gorm.Model       `json:"-"`
	EscrowID         string     `gorm:"uniqueIndex" json:"escrow_id"`
	OrderID          string     `gorm:"index:idx_escrows_order_id,unique,where:deleted_at IS NULL" json:"order_id"`
	PayerID          string     `json:"payer_id"`
	PayeeID          string     `json:"payee_id"`
	Amount           int64      `json:"amount"`
	MerchantAmount   int64      `json:"merchant_amount"`
	DriverAmount     int64      `json:"driver_amount"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"` // HELD, RELEASED, REFUNDED, DISPUTED
	GatewayReference string     `json:"gateway_reference"`
	DisputeReason    string     `json:"dispute_reason,omitempty"`
	ReleasedAt       *time.Time `json:"released_at,omitempty"`
	RefundedAt       *time.Time `json:"refunded_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Transaction is an append-mostly ledger entry for one money movement:
// the initial customer charge, a disbursement leg, or a refund. The
// Reference is globally unique and is the join key used to deduplicate
// gateway webhook deliveries.
type Transaction struct {
	gorm.Model    `json:"-"`
	TransactionID string     `gorm:"uniqueIndex" json:"transaction_id"`
	Reference     string     `gorm:"uniqueIndex" json:"reference"`
	UserID        string     `json:"user_id"`
	OrderID       string     `json:"order_id,omitempty"`
	EscrowID      string     `json:"escrow_id,omitempty"`
	Amount        int64      `json:"amount"`
	NetAmount     int64      `json:"net_amount"`
	Currency      string     `json:"currency"`
	Type          string     `json:"type"`   // PAYMENT, ESCROW_RELEASE, REFUND, TRANSFER_IN, TRANSFER_OUT
	Status        string     `json:"status"` // PENDING, COMPLETED, FAILED, REFUNDED
	GatewayID     string     `json:"gateway_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// PayoutRecipient maps a payee to their transfer recipient code at the
// payment gateway. A payee without a recipient cannot receive a
// disbursement leg.
type PayoutRecipient struct {
	gorm.Model    `json:"-"`
	UserID        string    `gorm:"uniqueIndex" json:"user_id"`
	RecipientCode string    `json:"recipient_code"`
	BankName      string    `json:"bank_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// legalStatusPairs encodes which (order status, escrow status)
// combinations are valid. The two enums are stored independently, so
// every escrow transition validates against this table instead of
// relying on call-order discipline.
var legalStatusPairs = map[string]map[string]bool{
	OrderPending:   {EscrowHeld: true},
	OrderConfirmed: {EscrowHeld: true, EscrowRefunded: true},
	OrderAccepted:  {EscrowHeld: true, EscrowDisputed: true, EscrowRefunded: true},
	OrderPickedUp:  {EscrowHeld: true, EscrowDisputed: true, EscrowRefunded: true},
	OrderInTransit: {EscrowHeld: true, EscrowDisputed: true, EscrowRefunded: true},
	OrderDelivered: {EscrowHeld: true, EscrowDisputed: true, EscrowReleased: true, EscrowRefunded: true},
	OrderCancelled: {EscrowHeld: true, EscrowRefunded: true},
}

// ValidStatusPair reports whether an escrow may hold the given status
// while its order holds orderStatus.
func ValidStatusPair(orderStatus, escrowStatus string) bool {
	allowed, ok := legalStatusPairs[orderStatus]
	if !ok {
		return false
	}
	return allowed[escrowStatus]
}
