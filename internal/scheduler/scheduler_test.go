package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/swiftcart/escrow-api/internal/audit"
	"github.com/swiftcart/escrow-api/internal/clock"
	"github.com/swiftcart/escrow-api/internal/escrow"
	"github.com/swiftcart/escrow-api/internal/gateway"
	"github.com/swiftcart/escrow-api/internal/types"
)

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type countingGateway struct {
	mu        sync.Mutex
	transfers int
}

func (g *countingGateway) InitiateCharge(ctx context.Context, email string, amount int64, reference string, metadata map[string]interface{}) (*gateway.ChargeResult, error) {
	return &gateway.ChargeResult{AuthorizationURL: "https://pay.example.test/" + reference, Reference: reference}, nil
}

func (g *countingGateway) InitiateTransfer(ctx context.Context, recipientCode string, amount int64, reference, reason string) (*gateway.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers++
	return &gateway.TransferResult{Accepted: true}, nil
}

func (g *countingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers
}

func newTestEngine(t *testing.T) (*escrow.Service, *countingGateway) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&types.Order{},
		&types.Escrow{},
		&types.Transaction{},
		&types.PayoutRecipient{},
		&audit.Event{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	gw := &countingGateway{}
	engine := escrow.NewService(db, gw, audit.NewSink(db), clock.NewFixed(baseTime), 48*time.Hour)

	if err := engine.RegisterRecipient(&escrow.RegisterRecipientRequest{UserID: "merch_1", RecipientCode: "RCP_m"}); err != nil {
		t.Fatalf("failed to register recipient: %v", err)
	}
	if err := engine.RegisterRecipient(&escrow.RegisterRecipientRequest{UserID: "drv_1", RecipientCode: "RCP_d"}); err != nil {
		t.Fatalf("failed to register recipient: %v", err)
	}

	return engine, gw
}

// seedDeliveredEscrow creates an order with a held escrow, confirms the
// charge and marks it delivered, opening the confirmation window at
// baseTime+48h.
func seedDeliveredEscrow(t *testing.T, engine *escrow.Service) (string, string) {
	t.Helper()

	order, err := engine.CreateOrder(&escrow.CreateOrderRequest{
		CustomerID:  "cust_1",
		MerchantID:  "merch_1",
		DriverID:    "drv_1",
		TotalAmount: 100000,
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	esc, err := engine.CreateEscrow(context.Background(), "cust_1", &escrow.CreateEscrowRequest{
		OrderID:       order.OrderID,
		Amount:        100000,
		MerchantSplit: 80000,
		DriverSplit:   20000,
		CustomerEmail: "customer@example.test",
	})
	if err != nil {
		t.Fatalf("failed to create escrow: %v", err)
	}
	if err := engine.ConfirmCharge(esc.PaymentReference, "9001"); err != nil {
		t.Fatalf("failed to confirm charge: %v", err)
	}
	if _, err := engine.MarkDelivered(order.OrderID, "drv_1"); err != nil {
		t.Fatalf("failed to mark delivered: %v", err)
	}

	return order.OrderID, esc.EscrowID
}

func escrowStatus(t *testing.T, engine *escrow.Service, orderID string) string {
	t.Helper()
	esc, err := engine.GetEscrowByOrder(orderID)
	if err != nil {
		t.Fatalf("failed to load escrow: %v", err)
	}
	return esc.Status
}

func TestRunOnceReleasesExpiredWindows(t *testing.T) {
	engine, gw := newTestEngine(t)
	orderID, _ := seedDeliveredEscrow(t, engine)

	t.Run("window still open", func(t *testing.T) {
		s := NewScheduler(engine, clock.NewFixed(baseTime.Add(47*time.Hour)), time.Hour)
		s.RunOnce(context.Background())

		if got := escrowStatus(t, engine, orderID); got != types.EscrowHeld {
			t.Errorf("escrow status = %q, want HELD before deadline", got)
		}
	})

	t.Run("window expired", func(t *testing.T) {
		s := NewScheduler(engine, clock.NewFixed(baseTime.Add(49*time.Hour)), time.Hour)
		s.RunOnce(context.Background())

		if got := escrowStatus(t, engine, orderID); got != types.EscrowReleased {
			t.Errorf("escrow status = %q, want RELEASED after deadline", got)
		}
		if got := gw.count(); got != 2 {
			t.Errorf("transfers issued = %d, want 2", got)
		}
	})

	t.Run("second run is a no-op", func(t *testing.T) {
		s := NewScheduler(engine, clock.NewFixed(baseTime.Add(50*time.Hour)), time.Hour)
		s.RunOnce(context.Background())

		if got := gw.count(); got != 2 {
			t.Errorf("transfers issued = %d, want still 2 after rerun", got)
		}
	})
}

func TestRunOnceSkipsDisputed(t *testing.T) {
	engine, gw := newTestEngine(t)
	orderID, escrowID := seedDeliveredEscrow(t, engine)

	if _, err := engine.Dispute(escrowID, "cust_1", "item damaged"); err != nil {
		t.Fatalf("failed to dispute: %v", err)
	}

	s := NewScheduler(engine, clock.NewFixed(baseTime.Add(72*time.Hour)), time.Hour)
	s.RunOnce(context.Background())

	if got := escrowStatus(t, engine, orderID); got != types.EscrowDisputed {
		t.Errorf("escrow status = %q, want DISPUTED untouched by auto-release", got)
	}
	if got := gw.count(); got != 0 {
		t.Errorf("transfers issued = %d, want 0", got)
	}
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	engine, gw := newTestEngine(t)

	// A delivered order with no escrow fails its release; the batch
	// must still process the healthy order.
	bad, err := engine.CreateOrder(&escrow.CreateOrderRequest{
		CustomerID:  "cust_1",
		MerchantID:  "merch_1",
		DriverID:    "drv_1",
		TotalAmount: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	if err := engine.GetDB().UpdateOrderStatus(bad.OrderID, types.OrderPending, types.OrderConfirmed); err != nil {
		t.Fatalf("failed to advance order: %v", err)
	}
	if _, err := engine.MarkDelivered(bad.OrderID, "drv_1"); err != nil {
		t.Fatalf("failed to mark delivered: %v", err)
	}

	goodOrderID, _ := seedDeliveredEscrow(t, engine)

	s := NewScheduler(engine, clock.NewFixed(baseTime.Add(72*time.Hour)), time.Hour)
	s.RunOnce(context.Background())

	if got := escrowStatus(t, engine, goodOrderID); got != types.EscrowReleased {
		t.Errorf("escrow status = %q, want RELEASED despite sibling failure", got)
	}
	if got := gw.count(); got != 2 {
		t.Errorf("transfers issued = %d, want 2", got)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	engine, _ := newTestEngine(t)
	s := NewScheduler(engine, clock.NewFixed(baseTime), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
