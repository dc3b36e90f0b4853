package escrow

// Release triggers identify which of the three independent paths won
// the HELD->RELEASED transition.
const (
	TriggerConsumerConfirm   = "CONSUMER_CONFIRM"
	TriggerAutoDeadline      = "AUTO_DEADLINE"
	TriggerAdminManual       = "ADMIN_MANUAL"
	TriggerDisputeResolution = "DISPUTE_RESOLUTION"
)

// Disbursement leg roles. Leg references are derived deterministically
// from the original charge reference so retried releases reuse the same
// reference and the gateway treats the transfer as already-seen.
const (
	LegMerchant = "merchant"
	LegDriver   = "driver"
)

// FailureReasonNoRecipient marks a leg that failed because the payee
// has no registered payout recipient. It never blocks the other leg.
const FailureReasonNoRecipient = "NO_RECIPIENT"

// Split carries the merchant/driver division of an escrow amount.
type Split struct {
	MerchantAmount int64 `json:"merchant_amount"`
	DriverAmount   int64 `json:"driver_amount"`
}

// CreateEscrowRequest is the body for escrow creation at checkout.
type CreateEscrowRequest struct {
	OrderID       string `json:"order_id" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	MerchantSplit int64  `json:"merchant_split"`
	DriverSplit   int64  `json:"driver_split"`
	CustomerEmail string `json:"customer_email" binding:"required"`
}

// DisputeRequest is the body for raising a dispute on a held escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveDisputeRequest is the admin body for resolving a dispute.
// Outcome is RELEASE or REFUND.
type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Split   *Split `json:"split,omitempty"`
}

// ReleaseRequest is the admin body for a manual release, optionally
// overriding the stored split.
type ReleaseRequest struct {
	Split *Split `json:"split,omitempty"`
}

// RegisterRecipientRequest registers a payee's transfer recipient code.
type RegisterRecipientRequest struct {
	UserID        string `json:"user_id" binding:"required"`
	RecipientCode string `json:"recipient_code" binding:"required"`
	BankName      string `json:"bank_name"`
}

// CreateOrderRequest is the intake body used by the order/checkout
// collaborator to register an order with the settlement core.
type CreateOrderRequest struct {
	CustomerID  string `json:"customer_id" binding:"required"`
	MerchantID  string `json:"merchant_id" binding:"required"`
	DriverID    string `json:"driver_id"`
	TotalAmount int64  `json:"total_amount" binding:"required"`
	Currency    string `json:"currency"`
}
