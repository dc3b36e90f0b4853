package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/swiftcart/escrow-api/internal/audit"
	"github.com/swiftcart/escrow-api/internal/clock"
	"github.com/swiftcart/escrow-api/internal/gateway"
	"github.com/swiftcart/escrow-api/internal/types"
)

// Service is the settlement engine. It exclusively owns escrow
// lifecycle transitions, split computation and the orchestration of
// payout calls. All racing transitions go through ledger-level
// compare-and-set updates, so the engine needs no in-process locking.
type Service struct {
	db                 *Database
	gateway            gateway.Client
	audit              *audit.Sink
	clock              clock.Clock
	confirmationWindow time.Duration
}

func NewService(gormDB *gorm.DB, gw gateway.Client, sink *audit.Sink, clk clock.Clock, confirmationWindow time.Duration) *Service {
	return &Service{
		db:                 NewDatabase(gormDB),
		gateway:            gw,
		audit:              sink,
		clock:              clk,
		confirmationWindow: confirmationWindow,
	}
}

// CreateOrder registers an order from the checkout collaborator.
func (s *Service) CreateOrder(req *CreateOrderRequest) (*types.Order, error) {
	if req.TotalAmount <= 0 {
		return nil, types.ErrInvalidAmount
	}

	currency := req.Currency
	if currency == "" {
		currency = "NGN"
	}

	order := &types.Order{
		OrderID:     "ORD_" + uuid.New().String(),
		CustomerID:  req.CustomerID,
		MerchantID:  req.MerchantID,
		DriverID:    req.DriverID,
		TotalAmount: req.TotalAmount,
		Currency:    currency,
		Status:      types.OrderPending,
		CreatedAt:   s.clock.Now(),
		UpdatedAt:   s.clock.Now(),
	}

	if err := s.db.CreateOrder(order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	return order, nil
}

// CreateEscrow opens an escrow (HELD) and its originating PAYMENT
// transaction atomically, then asks the gateway to charge the
// customer. The caller must be the order's customer and the
// merchant/driver split must sum to the escrow amount.
func (s *Service) CreateEscrow(ctx context.Context, actorID string, req *CreateEscrowRequest) (*types.EscrowResponse, error) {
	logger := log.With().
		Str("order_id", req.OrderID).
		Str("service", "escrow").
		Logger()

	order, err := s.db.GetOrderByID(req.OrderID)
	if err != nil {
		return nil, err
	}

	if order.CustomerID != actorID {
		logger.Warn().Str("actor_id", actorID).Msg("escrow creation attempted by non-customer")
		return nil, types.ErrForbidden
	}

	if req.Amount <= 0 || req.MerchantSplit+req.DriverSplit != req.Amount {
		logger.Warn().
			Int64("amount", req.Amount).
			Int64("merchant_split", req.MerchantSplit).
			Int64("driver_split", req.DriverSplit).
			Msg("rejected escrow with mismatched split")
		return nil, types.ErrInvalidAmount
	}

	if _, err := s.db.GetEscrowByOrderID(req.OrderID); err == nil {
		return nil, types.ErrConflict
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	now := s.clock.Now()
	reference := "PAY_" + uuid.New().String()

	escrow := &types.Escrow{
		EscrowID:         "ESC_" + uuid.New().String(),
		OrderID:          order.OrderID,
		PayerID:          order.CustomerID,
		PayeeID:          order.MerchantID,
		Amount:           req.Amount,
		MerchantAmount:   req.MerchantSplit,
		DriverAmount:     req.DriverSplit,
		Currency:         order.Currency,
		Status:           types.EscrowHeld,
		GatewayReference: reference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	payment := &types.Transaction{
		TransactionID: "TXN_" + uuid.New().String(),
		Reference:     reference,
		UserID:        order.CustomerID,
		OrderID:       order.OrderID,
		EscrowID:      escrow.EscrowID,
		Amount:        req.Amount,
		NetAmount:     req.Amount,
		Currency:      order.Currency,
		Type:          types.TxPayment,
		Status:        types.TxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.db.CreateEscrowWithPayment(escrow, payment); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, types.ErrConflict
		}
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	s.audit.Append(actorID, "escrow.created", "escrow", escrow.EscrowID, map[string]interface{}{
		"order_id":        order.OrderID,
		"amount":          req.Amount,
		"merchant_amount": req.MerchantSplit,
		"driver_amount":   req.DriverSplit,
	})

	response := &types.EscrowResponse{
		EscrowID:         escrow.EscrowID,
		OrderID:          escrow.OrderID,
		Status:           escrow.Status,
		Amount:           escrow.Amount,
		MerchantAmount:   escrow.MerchantAmount,
		DriverAmount:     escrow.DriverAmount,
		Currency:         escrow.Currency,
		PaymentReference: reference,
		CreatedAt:        escrow.CreatedAt,
	}

	// Charge initiation happens after the ledger rows exist. A gateway
	// failure here leaves the transaction PENDING; the charge is
	// retried by the customer from the checkout flow.
	charge, err := s.gateway.InitiateCharge(ctx, req.CustomerEmail, req.Amount, reference, map[string]interface{}{
		"order_id":  order.OrderID,
		"escrow_id": escrow.EscrowID,
	})
	if err != nil {
		logger.Error().Err(err).Str("reference", reference).Msg("charge initiation failed, transaction left pending")
		return response, nil
	}

	response.AuthorizationURL = charge.AuthorizationURL

	logger.Info().
		Str("escrow_id", escrow.EscrowID).
		Str("reference", reference).
		Int64("amount", req.Amount).
		Msg("escrow created and charge initiated")

	return response, nil
}

// ConfirmCharge marks the PAYMENT transaction COMPLETED for a
// charge.success webhook. Replays are no-ops keyed on the transaction
// reference. Escrow stays HELD; release is a separate trigger.
func (s *Service) ConfirmCharge(reference, gatewayChargeID string) error {
	logger := log.With().
		Str("reference", reference).
		Str("service", "escrow").
		Logger()

	txn, err := s.db.GetTransactionByReference(reference)
	if err != nil {
		logger.Warn().Err(err).Msg("charge confirmation for unknown reference")
		return err
	}

	if txn.Status == types.TxCompleted {
		logger.Debug().Msg("charge already confirmed, ignoring replay")
		return nil
	}

	now := s.clock.Now()
	applied, err := s.db.CASTransactionStatus(reference, types.TxPending, types.TxCompleted, map[string]interface{}{
		"gateway_id":   gatewayChargeID,
		"completed_at": now,
	})
	if err != nil {
		return fmt.Errorf("failed to complete payment transaction: %w", err)
	}
	if !applied {
		logger.Debug().Msg("charge confirmation lost the race, already applied")
		return nil
	}

	// Advance a fresh order to CONFIRMED; an order already in the
	// delivery flow is left alone.
	if txn.OrderID != "" {
		if err := s.db.UpdateOrderStatus(txn.OrderID, types.OrderPending, types.OrderConfirmed); err != nil &&
			!errors.Is(err, types.ErrInvalidTransition) {
			logger.Error().Err(err).Msg("failed to advance order after charge confirmation")
		}
	}

	s.audit.Append("gateway", "charge.confirmed", "transaction", txn.TransactionID, map[string]interface{}{
		"reference":  reference,
		"gateway_id": gatewayChargeID,
	})

	logger.Info().Str("transaction_id", txn.TransactionID).Msg("charge confirmed")
	return nil
}

// ConfirmChargeFailure marks the PAYMENT transaction FAILED for a
// charge.failed webhook. Any pre-created escrow is deliberately left
// HELD for manual reconciliation; a failed charge never deletes an
// escrow.
func (s *Service) ConfirmChargeFailure(reference string) error {
	logger := log.With().
		Str("reference", reference).
		Str("service", "escrow").
		Logger()

	txn, err := s.db.GetTransactionByReference(reference)
	if err != nil {
		logger.Warn().Err(err).Msg("charge failure for unknown reference")
		return err
	}

	applied, err := s.db.CASTransactionStatus(reference, types.TxPending, types.TxFailed, nil)
	if err != nil {
		return fmt.Errorf("failed to mark payment transaction failed: %w", err)
	}
	if !applied {
		logger.Debug().Msg("charge failure already applied, ignoring replay")
		return nil
	}

	s.audit.Append("gateway", "charge.failed", "transaction", txn.TransactionID, map[string]interface{}{
		"reference": reference,
	})

	logger.Info().Str("transaction_id", txn.TransactionID).Msg("charge marked failed")
	return nil
}

// MarkDelivered records delivery by the driver. It sets the
// confirmation deadline but does not release funds: the explicit
// window lets either the deadline or the customer trigger release,
// and lets a dispute block both.
func (s *Service) MarkDelivered(orderID, driverID string) (*types.Order, error) {
	order, err := s.db.GetOrderByID(orderID)
	if err != nil {
		return nil, err
	}

	if order.DriverID != driverID {
		return nil, types.ErrForbidden
	}

	deadline := s.clock.Now().Add(s.confirmationWindow)
	fromStatuses := []string{types.OrderConfirmed, types.OrderAccepted, types.OrderPickedUp, types.OrderInTransit}
	if err := s.db.MarkOrderDelivered(orderID, fromStatuses, deadline); err != nil {
		return nil, err
	}

	s.audit.Append(driverID, "order.delivered", "order", orderID, map[string]interface{}{
		"confirmation_deadline": deadline,
	})

	log.Info().
		Str("order_id", orderID).
		Time("confirmation_deadline", deadline).
		Str("service", "escrow").
		Msg("order marked delivered, confirmation window open")

	return s.db.GetOrderByID(orderID)
}

// ConfirmReceipt is the customer confirming delivery, which triggers
// release of the held funds.
func (s *Service) ConfirmReceipt(ctx context.Context, orderID, customerID string) (*types.ReleaseResponse, error) {
	order, err := s.db.GetOrderByID(orderID)
	if err != nil {
		return nil, err
	}

	if order.CustomerID != customerID {
		return nil, types.ErrForbidden
	}

	if order.Status != types.OrderDelivered {
		return nil, types.ErrInvalidTransition
	}

	return s.Release(ctx, orderID, TriggerConsumerConfirm, nil)
}

// Release is the core transition: HELD->RELEASED via a single
// compare-and-set at the ledger layer, then one payout attempt per
// leg. Only the CAS winner issues gateway calls; a loser observes
// zero rows affected and gets ErrAlreadyReleased, which callers treat
// as idempotent success. A leg's financial completion is tracked on
// its own transaction, independent of the escrow status flag.
func (s *Service) Release(ctx context.Context, orderID, trigger string, overrideSplit *Split) (*types.ReleaseResponse, error) {
	logger := log.With().
		Str("order_id", orderID).
		Str("trigger", trigger).
		Str("service", "escrow").
		Logger()

	order, err := s.db.GetOrderByID(orderID)
	if err != nil {
		return nil, err
	}

	escrow, err := s.db.GetEscrowByOrderID(orderID)
	if err != nil {
		return nil, err
	}

	fromStatus := types.EscrowHeld
	if trigger == TriggerDisputeResolution {
		fromStatus = types.EscrowDisputed
	} else if escrow.Status == types.EscrowDisputed {
		return nil, types.ErrEscrowDisputed
	}

	split := Split{MerchantAmount: escrow.MerchantAmount, DriverAmount: escrow.DriverAmount}
	if overrideSplit != nil {
		split = *overrideSplit
	}
	if split.MerchantAmount+split.DriverAmount != escrow.Amount {
		logger.Error().
			Int64("merchant_amount", split.MerchantAmount).
			Int64("driver_amount", split.DriverAmount).
			Int64("escrow_amount", escrow.Amount).
			Msg("split does not sum to escrow amount")
		return nil, types.ErrSplitUnavailable
	}

	if !types.ValidStatusPair(order.Status, types.EscrowReleased) {
		logger.Warn().Str("order_status", order.Status).Msg("release blocked by order status")
		return nil, types.ErrInvalidTransition
	}

	now := s.clock.Now()
	won, err := s.db.CASEscrowStatus(escrow.EscrowID, fromStatus, types.EscrowReleased, map[string]interface{}{
		"released_at": now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to release escrow: %w", err)
	}
	if !won {
		logger.Info().Msg("lost release race, escrow already transitioned")
		return nil, types.ErrAlreadyReleased
	}

	// Only the CAS winner gets here; payouts are never issued
	// speculatively before the transition commits.
	s.payoutLeg(ctx, escrow, order, LegMerchant, escrow.PayeeID, split.MerchantAmount)
	s.payoutLeg(ctx, escrow, order, LegDriver, order.DriverID, split.DriverAmount)

	s.audit.Append(trigger, "escrow.released", "escrow", escrow.EscrowID, map[string]interface{}{
		"order_id":        orderID,
		"merchant_amount": split.MerchantAmount,
		"driver_amount":   split.DriverAmount,
	})

	released, err := s.db.GetEscrowByID(escrow.EscrowID)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("escrow_id", escrow.EscrowID).
		Int64("merchant_amount", split.MerchantAmount).
		Int64("driver_amount", split.DriverAmount).
		Msg("escrow released")

	return &types.ReleaseResponse{
		Escrow:         released,
		MerchantAmount: split.MerchantAmount,
		DriverAmount:   split.DriverAmount,
		Trigger:        trigger,
	}, nil
}

// payoutLeg records one ESCROW_RELEASE transaction and initiates the
// transfer. The leg reference is derived from the original charge
// reference, so a retried release reuses it and the gateway treats the
// transfer as already-seen. A failed or missing-recipient leg never
// blocks the other leg or the release itself.
func (s *Service) payoutLeg(ctx context.Context, escrow *types.Escrow, order *types.Order, role, payeeID string, amount int64) {
	logger := log.With().
		Str("escrow_id", escrow.EscrowID).
		Str("leg", role).
		Str("payee_id", payeeID).
		Str("service", "escrow").
		Logger()

	reference := role + "_" + escrow.GatewayReference
	now := s.clock.Now()

	// The transaction row is created before the gateway call so a
	// crash between the call and persistence cannot duplicate a
	// transfer request on retry.
	txn, err := s.db.GetTransactionByReference(reference)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			logger.Error().Err(err).Msg("failed to look up leg transaction")
			return
		}
		txn = &types.Transaction{
			TransactionID: "TXN_" + uuid.New().String(),
			Reference:     reference,
			UserID:        payeeID,
			OrderID:       order.OrderID,
			EscrowID:      escrow.EscrowID,
			Amount:        amount,
			NetAmount:     amount,
			Currency:      escrow.Currency,
			Type:          types.TxEscrowRelease,
			Status:        types.TxPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.db.CreateTransaction(txn); err != nil {
			logger.Error().Err(err).Msg("failed to record leg transaction")
			return
		}
	} else if txn.Status != types.TxPending {
		logger.Debug().Str("status", txn.Status).Msg("leg already settled, skipping payout")
		return
	}

	if payeeID == "" {
		s.failLeg(reference, FailureReasonNoRecipient, logger)
		return
	}

	recipient, err := s.db.GetPayoutRecipient(payeeID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			s.failLeg(reference, FailureReasonNoRecipient, logger)
			return
		}
		logger.Error().Err(err).Msg("failed to look up payout recipient")
		return
	}

	result, err := s.gateway.InitiateTransfer(ctx, recipient.RecipientCode, amount, reference,
		fmt.Sprintf("%s payout for order %s", role, order.OrderID))
	if err != nil {
		// Unknown outcome: the transaction stays PENDING and the
		// authoritative result arrives via webhook or is retried by
		// admin tooling.
		logger.Error().Err(err).Msg("transfer initiation failed, leg left pending")
		return
	}

	s.audit.Append("engine", "payout.initiated", "transaction", txn.TransactionID, map[string]interface{}{
		"leg":       role,
		"reference": reference,
		"amount":    amount,
		"accepted":  result.Accepted,
	})

	logger.Info().
		Str("reference", reference).
		Int64("amount", amount).
		Bool("accepted", result.Accepted).
		Msg("payout initiated")
}

// classifyLostCAS re-reads the escrow after a lost compare-and-set and
// classifies the error from the status that actually won. Classifying
// from a pre-CAS read would misreport a release landing in the window
// between the read and the CAS.
func (s *Service) classifyLostCAS(escrowID string) error {
	current, err := s.db.GetEscrowByID(escrowID)
	if err != nil {
		return err
	}
	if current.Status == types.EscrowReleased {
		return types.ErrAlreadyReleased
	}
	return types.ErrInvalidTransition
}

func (s *Service) failLeg(reference, reason string, logger zerolog.Logger) {
	applied, err := s.db.CASTransactionStatus(reference, types.TxPending, types.TxFailed, map[string]interface{}{
		"failure_reason": reason,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark leg transaction failed")
		return
	}
	if applied {
		logger.Warn().Str("reason", reason).Msg("leg failed without payout attempt")
	}
}

// Dispute moves a held escrow to DISPUTED, excluding it from all
// release paths until resolved. Only the order's customer or driver
// may raise one, and only while the escrow is HELD: a released escrow
// cannot be disputed because disbursement has already begun.
func (s *Service) Dispute(escrowID, actorID, reason string) (*types.Escrow, error) {
	escrow, err := s.db.GetEscrowByID(escrowID)
	if err != nil {
		return nil, err
	}

	order, err := s.db.GetOrderByID(escrow.OrderID)
	if err != nil {
		return nil, err
	}

	role := ""
	switch actorID {
	case order.CustomerID:
		role = "customer"
	case order.DriverID:
		role = "driver"
	default:
		return nil, types.ErrForbidden
	}

	if !types.ValidStatusPair(order.Status, types.EscrowDisputed) {
		return nil, types.ErrInvalidTransition
	}

	won, err := s.db.CASEscrowStatus(escrowID, types.EscrowHeld, types.EscrowDisputed, map[string]interface{}{
		"dispute_reason": reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dispute escrow: %w", err)
	}
	if !won {
		return nil, s.classifyLostCAS(escrowID)
	}

	s.audit.Append(actorID, "escrow.disputed", "escrow", escrowID, map[string]interface{}{
		"reason": reason,
		"role":   role,
	})

	log.Info().
		Str("escrow_id", escrowID).
		Str("role", role).
		Str("service", "escrow").
		Msg("escrow disputed")

	return s.db.GetEscrowByID(escrowID)
}

// ResolveDispute is the admin-only path moving a DISPUTED escrow back
// to RELEASED or REFUNDED.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, adminID, outcome string, overrideSplit *Split) (*types.ReleaseResponse, error) {
	escrow, err := s.db.GetEscrowByID(escrowID)
	if err != nil {
		return nil, err
	}

	if escrow.Status != types.EscrowDisputed {
		return nil, types.ErrInvalidTransition
	}

	switch outcome {
	case "RELEASE":
		result, err := s.Release(ctx, escrow.OrderID, TriggerDisputeResolution, overrideSplit)
		if err != nil {
			return nil, err
		}
		s.audit.Append(adminID, "dispute.resolved", "escrow", escrowID, map[string]interface{}{
			"outcome": outcome,
		})
		return result, nil
	case "REFUND":
		refunded, err := s.refundFrom(escrowID, adminID, types.EscrowDisputed)
		if err != nil {
			return nil, err
		}
		s.audit.Append(adminID, "dispute.resolved", "escrow", escrowID, map[string]interface{}{
			"outcome": outcome,
		})
		return &types.ReleaseResponse{Escrow: refunded, Trigger: TriggerDisputeResolution}, nil
	default:
		return nil, types.ErrInvalidTransition
	}
}

// Refund moves a held escrow to REFUNDED, records a REFUND
// transaction, and marks the original PAYMENT transaction REFUNDED.
func (s *Service) Refund(escrowID, actorID string) (*types.Escrow, error) {
	return s.refundFrom(escrowID, actorID, types.EscrowHeld)
}

func (s *Service) refundFrom(escrowID, actorID, fromStatus string) (*types.Escrow, error) {
	logger := log.With().
		Str("escrow_id", escrowID).
		Str("service", "escrow").
		Logger()

	escrow, err := s.db.GetEscrowByID(escrowID)
	if err != nil {
		return nil, err
	}

	order, err := s.db.GetOrderByID(escrow.OrderID)
	if err != nil {
		return nil, err
	}

	if !types.ValidStatusPair(order.Status, types.EscrowRefunded) {
		return nil, types.ErrInvalidTransition
	}

	now := s.clock.Now()
	won, err := s.db.CASEscrowStatus(escrowID, fromStatus, types.EscrowRefunded, map[string]interface{}{
		"refunded_at": now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refund escrow: %w", err)
	}
	if !won {
		return nil, s.classifyLostCAS(escrowID)
	}

	refundRef := "refund_" + escrow.GatewayReference
	refund := &types.Transaction{
		TransactionID: "TXN_" + uuid.New().String(),
		Reference:     refundRef,
		UserID:        escrow.PayerID,
		OrderID:       escrow.OrderID,
		EscrowID:      escrow.EscrowID,
		Amount:        escrow.Amount,
		NetAmount:     escrow.Amount,
		Currency:      escrow.Currency,
		Type:          types.TxRefund,
		Status:        types.TxCompleted,
		CompletedAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.CreateTransaction(refund); err != nil {
		logger.Error().Err(err).Msg("failed to record refund transaction")
	}

	if _, err := s.db.CASTransactionStatus(escrow.GatewayReference, types.TxCompleted, types.TxRefunded, nil); err != nil {
		logger.Error().Err(err).Msg("failed to mark original payment refunded")
	}

	s.audit.Append(actorID, "escrow.refunded", "escrow", escrowID, map[string]interface{}{
		"order_id": escrow.OrderID,
		"amount":   escrow.Amount,
	})

	logger.Info().Int64("amount", escrow.Amount).Msg("escrow refunded")

	return s.db.GetEscrowByID(escrowID)
}

// ConfirmTransferSuccess marks a disbursement leg COMPLETED for a
// transfer.success webhook.
func (s *Service) ConfirmTransferSuccess(reference, gatewayTransferID string) error {
	logger := log.With().
		Str("reference", reference).
		Str("service", "escrow").
		Logger()

	txn, err := s.db.GetTransactionByReference(reference)
	if err != nil {
		logger.Warn().Err(err).Msg("transfer success for unknown reference")
		return err
	}

	now := s.clock.Now()
	applied, err := s.db.CASTransactionStatus(reference, types.TxPending, types.TxCompleted, map[string]interface{}{
		"gateway_id":   gatewayTransferID,
		"completed_at": now,
	})
	if err != nil {
		return fmt.Errorf("failed to complete transfer leg: %w", err)
	}
	if !applied {
		logger.Debug().Msg("transfer success already applied, ignoring replay")
		return nil
	}

	s.audit.Append("gateway", "transfer.confirmed", "transaction", txn.TransactionID, map[string]interface{}{
		"reference": reference,
	})
	return nil
}

// ConfirmTransferFailure marks a disbursement leg FAILED for a
// transfer.failed webhook. The escrow stays RELEASED: "escrow
// released" is the irreversible customer-facing state, "payout
// settled" is per-leg operational state visible to admin tooling.
func (s *Service) ConfirmTransferFailure(reference, reason string) error {
	logger := log.With().
		Str("reference", reference).
		Str("service", "escrow").
		Logger()

	txn, err := s.db.GetTransactionByReference(reference)
	if err != nil {
		logger.Warn().Err(err).Msg("transfer failure for unknown reference")
		return err
	}

	applied, err := s.db.CASTransactionStatus(reference, types.TxPending, types.TxFailed, map[string]interface{}{
		"failure_reason": reason,
	})
	if err != nil {
		return fmt.Errorf("failed to mark transfer leg failed: %w", err)
	}
	if !applied {
		logger.Debug().Msg("transfer failure already applied, ignoring replay")
		return nil
	}

	// Payee notification delivery is an external collaborator; the
	// engine only emits the event.
	s.audit.Append("gateway", "transfer.failed", "transaction", txn.TransactionID, map[string]interface{}{
		"reference": reference,
		"reason":    reason,
		"payee_id":  txn.UserID,
	})

	logger.Warn().
		Str("payee_id", txn.UserID).
		Str("reason", reason).
		Msg("transfer leg failed, payee notified")
	return nil
}

// ConfirmTransferReversed marks a completed disbursement leg REFUNDED
// for a transfer.reversed webhook.
func (s *Service) ConfirmTransferReversed(reference string) error {
	logger := log.With().
		Str("reference", reference).
		Str("service", "escrow").
		Logger()

	txn, err := s.db.GetTransactionByReference(reference)
	if err != nil {
		logger.Warn().Err(err).Msg("transfer reversal for unknown reference")
		return err
	}

	applied, err := s.db.CASTransactionStatus(reference, types.TxCompleted, types.TxRefunded, nil)
	if err != nil {
		return fmt.Errorf("failed to mark transfer leg reversed: %w", err)
	}
	if !applied {
		logger.Debug().Msg("transfer reversal already applied or leg not completed")
		return nil
	}

	s.audit.Append("gateway", "transfer.reversed", "transaction", txn.TransactionID, map[string]interface{}{
		"reference": reference,
		"payee_id":  txn.UserID,
	})

	logger.Warn().Str("payee_id", txn.UserID).Msg("transfer leg reversed, payee notified")
	return nil
}

// RegisterRecipient stores a payee's transfer recipient code.
func (s *Service) RegisterRecipient(req *RegisterRecipientRequest) error {
	return s.db.UpsertPayoutRecipient(&types.PayoutRecipient{
		UserID:        req.UserID,
		RecipientCode: req.RecipientCode,
		BankName:      req.BankName,
		CreatedAt:     s.clock.Now(),
		UpdatedAt:     s.clock.Now(),
	})
}

// GetEscrowByOrder retrieves the escrow for an order.
func (s *Service) GetEscrowByOrder(orderID string) (*types.Escrow, error) {
	return s.db.GetEscrowByOrderID(orderID)
}

// ListEscrows returns all escrows, newest first.
func (s *Service) ListEscrows() ([]types.Escrow, error) {
	return s.db.ListEscrows()
}

// GetTransactionsByEscrow returns the ledger entries for one escrow.
func (s *Service) GetTransactionsByEscrow(escrowID string) ([]types.Transaction, error) {
	return s.db.GetTransactionsByEscrowID(escrowID)
}

// FindReleasableOrders is the pure candidate query used by the
// auto-release scheduler: DELIVERED orders whose confirmation deadline
// has passed.
func (s *Service) FindReleasableOrders(now time.Time) ([]types.Order, error) {
	return s.db.FindReleasableOrders(now)
}

// GetDB exposes the ledger wrapper for the scheduler and tests.
func (s *Service) GetDB() *Database {
	return s.db
}
