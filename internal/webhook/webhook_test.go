package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/swiftcart/escrow-api/internal/audit"
	"github.com/swiftcart/escrow-api/internal/clock"
	"github.com/swiftcart/escrow-api/internal/escrow"
	"github.com/swiftcart/escrow-api/internal/gateway"
	"github.com/swiftcart/escrow-api/internal/types"
)

const testSecret = "whsec_test"

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type nullGateway struct {
	mu        sync.Mutex
	transfers int
}

func (g *nullGateway) InitiateCharge(ctx context.Context, email string, amount int64, reference string, metadata map[string]interface{}) (*gateway.ChargeResult, error) {
	return &gateway.ChargeResult{AuthorizationURL: "https://pay.example.test/" + reference, Reference: reference}, nil
}

func (g *nullGateway) InitiateTransfer(ctx context.Context, recipientCode string, amount int64, reference, reason string) (*gateway.TransferResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers++
	return &gateway.TransferResult{Accepted: true}, nil
}

type fixture struct {
	engine *escrow.Service
	router *gin.Engine
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	engine := escrow.NewService(db, &nullGateway{}, audit.NewSink(db), clock.NewFixed(baseTime), 48*time.Hour)

	router := gin.New()
	router.POST("/api/v1/webhooks/gateway", NewHandler(engine, secret).GatewayWebhookHandler())

	return &fixture{engine: engine, router: router}
}

// seedHeldEscrow creates an order with a pending PAYMENT transaction
// and returns its charge reference.
func (f *fixture) seedHeldEscrow(t *testing.T) (string, string) {
	t.Helper()
	order, err := f.engine.CreateOrder(&escrow.CreateOrderRequest{
		CustomerID:  "cust_1",
		MerchantID:  "merch_1",
		DriverID:    "drv_1",
		TotalAmount: 50000,
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	esc, err := f.engine.CreateEscrow(context.Background(), "cust_1", &escrow.CreateEscrowRequest{
		OrderID:       order.OrderID,
		Amount:        50000,
		MerchantSplit: 40000,
		DriverSplit:   10000,
		CustomerEmail: "customer@example.test",
	})
	if err != nil {
		t.Fatalf("failed to create escrow: %v", err)
	}
	return order.OrderID, esc.PaymentReference
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) post(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func eventBody(t *testing.T, event, reference string, amount int64) []byte {
	t.Helper()
	raw, err := json.Marshal(Event{
		Event: event,
		Data:  EventData{Reference: reference, Amount: amount, ID: 9001},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return raw
}

func (f *fixture) paymentStatus(t *testing.T, reference string) string {
	t.Helper()
	txn, err := f.engine.GetDB().GetTransactionByReference(reference)
	if err != nil {
		t.Fatalf("failed to load transaction: %v", err)
	}
	return txn.Status
}

func TestSignatureVerification(t *testing.T) {
	tests := []struct {
		name       string
		signature  func(body []byte) string
		wantStatus int
		wantTx     string
	}{
		{
			"valid signature",
			func(body []byte) string { return sign(testSecret, body) },
			http.StatusOK, types.TxCompleted,
		},
		{
			"wrong secret",
			func(body []byte) string { return sign("someone-elses-secret", body) },
			http.StatusBadRequest, types.TxPending,
		},
		{
			"missing header",
			func(body []byte) string { return "" },
			http.StatusBadRequest, types.TxPending,
		},
		{
			"truncated signature",
			func(body []byte) string { return sign(testSecret, body)[:40] },
			http.StatusBadRequest, types.TxPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testSecret)
			_, reference := f.seedHeldEscrow(t)
			body := eventBody(t, EventChargeSuccess, reference, 50000)

			w := f.post(t, body, tt.signature(body))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := f.paymentStatus(t, reference); got != tt.wantTx {
				t.Errorf("payment status = %q, want %q", got, tt.wantTx)
			}
		})
	}
}

func TestTamperedBodyRejected(t *testing.T) {
	f := newFixture(t, testSecret)
	_, reference := f.seedHeldEscrow(t)

	body := eventBody(t, EventChargeSuccess, reference, 50000)
	signature := sign(testSecret, body)

	// Flip one byte after signing.
	tampered := bytes.Replace(body, []byte(`"amount":50000`), []byte(`"amount":99999`), 1)
	if bytes.Equal(tampered, body) {
		t.Fatal("tamper did not change the body")
	}

	w := f.post(t, tampered, signature)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if got := f.paymentStatus(t, reference); got != types.TxPending {
		t.Errorf("payment status = %q, want PENDING", got)
	}
}

func TestEmptySecretRejectsEverything(t *testing.T) {
	f := newFixture(t, "")
	_, reference := f.seedHeldEscrow(t)
	body := eventBody(t, EventChargeSuccess, reference, 50000)

	w := f.post(t, body, sign("", body))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMalformedPayload(t *testing.T) {
	f := newFixture(t, testSecret)
	body := []byte(`{"event": "charge.success", "data":`)

	w := f.post(t, body, sign(testSecret, body))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, testSecret)
	orderID, reference := f.seedHeldEscrow(t)
	body := eventBody(t, EventChargeSuccess, reference, 50000)
	signature := sign(testSecret, body)

	for i := 0; i < 3; i++ {
		if w := f.post(t, body, signature); w.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d, want 200", i, w.Code)
		}
	}

	if got := f.paymentStatus(t, reference); got != types.TxCompleted {
		t.Errorf("payment status = %q, want COMPLETED", got)
	}

	order, err := f.engine.GetDB().GetOrderByID(orderID)
	if err != nil {
		t.Fatalf("failed to load order: %v", err)
	}
	if order.Status != types.OrderConfirmed {
		t.Errorf("order status = %q, want CONFIRMED after replays", order.Status)
	}
}

func TestUnknownEventAcknowledged(t *testing.T) {
	f := newFixture(t, testSecret)
	body := eventBody(t, "subscription.create", "SUB_123", 0)

	w := f.post(t, body, sign(testSecret, body))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for ignored event", w.Code)
	}
}

func TestUnknownReferenceAcknowledged(t *testing.T) {
	f := newFixture(t, testSecret)
	body := eventBody(t, EventChargeSuccess, "PAY_does_not_exist", 100)

	// The gateway retries on non-2xx and a retry cannot change the
	// outcome, so an unknown reference is acknowledged.
	w := f.post(t, body, sign(testSecret, body))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestChargeFailedEvent(t *testing.T) {
	f := newFixture(t, testSecret)
	_, reference := f.seedHeldEscrow(t)
	body := eventBody(t, EventChargeFailed, reference, 50000)

	if w := f.post(t, body, sign(testSecret, body)); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := f.paymentStatus(t, reference); got != types.TxFailed {
		t.Errorf("payment status = %q, want FAILED", got)
	}
}

func TestTransferEventsSettleLegs(t *testing.T) {
	f := newFixture(t, testSecret)
	orderID, reference := f.seedHeldEscrow(t)

	// Drive the escrow through release so both legs exist.
	chargeBody := eventBody(t, EventChargeSuccess, reference, 50000)
	if w := f.post(t, chargeBody, sign(testSecret, chargeBody)); w.Code != http.StatusOK {
		t.Fatalf("charge status = %d, want 200", w.Code)
	}
	if err := f.engine.RegisterRecipient(&escrow.RegisterRecipientRequest{UserID: "merch_1", RecipientCode: "RCP_m"}); err != nil {
		t.Fatalf("failed to register recipient: %v", err)
	}
	if err := f.engine.RegisterRecipient(&escrow.RegisterRecipientRequest{UserID: "drv_1", RecipientCode: "RCP_d"}); err != nil {
		t.Fatalf("failed to register recipient: %v", err)
	}
	if _, err := f.engine.MarkDelivered(orderID, "drv_1"); err != nil {
		t.Fatalf("failed to mark delivered: %v", err)
	}
	if _, err := f.engine.ConfirmReceipt(context.Background(), orderID, "cust_1"); err != nil {
		t.Fatalf("failed to confirm receipt: %v", err)
	}

	merchantRef := escrow.LegMerchant + "_" + reference
	driverRef := escrow.LegDriver + "_" + reference

	successBody := eventBody(t, EventTransferSuccess, merchantRef, 40000)
	if w := f.post(t, successBody, sign(testSecret, successBody)); w.Code != http.StatusOK {
		t.Fatalf("transfer.success status = %d, want 200", w.Code)
	}

	failedBody, err := json.Marshal(Event{
		Event: EventTransferFailed,
		Data:  EventData{Reference: driverRef, Amount: 10000, Reason: "account blocked"},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	if w := f.post(t, failedBody, sign(testSecret, failedBody)); w.Code != http.StatusOK {
		t.Fatalf("transfer.failed status = %d, want 200", w.Code)
	}

	if got := f.paymentStatus(t, merchantRef); got != types.TxCompleted {
		t.Errorf("merchant leg status = %q, want COMPLETED", got)
	}
	driverLeg, err := f.engine.GetDB().GetTransactionByReference(driverRef)
	if err != nil {
		t.Fatalf("failed to load driver leg: %v", err)
	}
	if driverLeg.Status != types.TxFailed || driverLeg.FailureReason != "account blocked" {
		t.Errorf("driver leg = %s %q, want FAILED with reason", driverLeg.Status, driverLeg.FailureReason)
	}

	// Reversal flips the completed merchant leg only.
	reversedBody := eventBody(t, EventTransferReversed, merchantRef, 40000)
	if w := f.post(t, reversedBody, sign(testSecret, reversedBody)); w.Code != http.StatusOK {
		t.Fatalf("transfer.reversed status = %d, want 200", w.Code)
	}
	if got := f.paymentStatus(t, merchantRef); got != types.TxRefunded {
		t.Errorf("merchant leg status = %q, want REFUNDED after reversal", got)
	}
}
