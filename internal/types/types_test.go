package types

import "testing"

func TestValidStatusPair(t *testing.T) {
	tests := []struct {
		name         string
		orderStatus  string
		escrowStatus string
		want         bool
	}{
		{"pending order holds funds", OrderPending, EscrowHeld, true},
		{"pending order cannot release", OrderPending, EscrowReleased, false},
		{"confirmed order cannot release", OrderConfirmed, EscrowReleased, false},
		{"confirmed order cannot dispute", OrderConfirmed, EscrowDisputed, false},
		{"in transit can dispute", OrderInTransit, EscrowDisputed, true},
		{"in transit cannot release", OrderInTransit, EscrowReleased, false},
		{"delivered can release", OrderDelivered, EscrowReleased, true},
		{"delivered can dispute", OrderDelivered, EscrowDisputed, true},
		{"delivered can refund", OrderDelivered, EscrowRefunded, true},
		{"cancelled order cannot release", OrderCancelled, EscrowReleased, false},
		{"cancelled order can refund", OrderCancelled, EscrowRefunded, true},
		{"unknown order status", "SHIPPED", EscrowHeld, false},
		{"unknown escrow status", OrderDelivered, "FROZEN", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidStatusPair(tt.orderStatus, tt.escrowStatus); got != tt.want {
				t.Errorf("ValidStatusPair(%q, %q) = %v, want %v", tt.orderStatus, tt.escrowStatus, got, tt.want)
			}
		})
	}
}
