package types

import "time"

// EscrowResponse represents the response from escrow creation
type EscrowResponse struct {
	EscrowID         string    `json:"escrow_id"`
	OrderID          string    `json:"order_id"`
	Status           string    `json:"status"`
	Amount           int64     `json:"amount"`
	MerchantAmount   int64     `json:"merchant_amount"`
	DriverAmount     int64     `json:"driver_amount"`
	Currency         string    `json:"currency"`
	PaymentReference string    `json:"payment_reference"`
	AuthorizationURL string    `json:"authorization_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ReleaseResponse represents the result of a release: the escrow plus
// the two disbursement leg amounts
type ReleaseResponse struct {
	Escrow         *Escrow `json:"escrow"`
	MerchantAmount int64   `json:"merchant_amount"`
	DriverAmount   int64   `json:"driver_amount"`
	Trigger        string  `json:"trigger"`
}
