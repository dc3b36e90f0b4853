package escrow

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/swiftcart/escrow-api/internal/auth"
	"github.com/swiftcart/escrow-api/internal/types"
	"github.com/swiftcart/escrow-api/pkg/response"
)

// GinHandlers contains HTTP handlers for escrow endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for escrow endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// callerID extracts the authenticated client ID from the request context.
func callerID(c *gin.Context) string {
	claims, exists := c.Get("claims")
	if !exists {
		return ""
	}
	return auth.GetClientID(claims)
}

// CreateOrderHandler handles POST requests from the order/checkout
// collaborator to register an order with the settlement core.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(&req)
		response.Handle(c, order, err)
	}
}

// CreateEscrowHandler handles POST requests to open an escrow for an
// order. The caller must be the order's customer.
func (h *GinHandlers) CreateEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := callerID(c)
		if actor == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req CreateEscrowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		escrow, err := h.service.CreateEscrow(c.Request.Context(), actor, &req)
		response.Handle(c, escrow, err)
	}
}

// GetEscrowByOrderHandler handles GET requests for the escrow of an order.
func (h *GinHandlers) GetEscrowByOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		escrow, err := h.service.GetEscrowByOrder(orderID)
		response.Handle(c, escrow, err)
	}
}

// MarkDeliveredHandler handles POST requests from the driver marking
// an order delivered, which opens the confirmation window.
func (h *GinHandlers) MarkDeliveredHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := callerID(c)
		if actor == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		order, err := h.service.MarkDelivered(c.Param("order_id"), actor)
		response.Handle(c, order, err)
	}
}

// ConfirmReceiptHandler handles POST requests from the customer
// confirming receipt, which releases the escrow.
func (h *GinHandlers) ConfirmReceiptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := callerID(c)
		if actor == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		result, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("order_id"), actor)
		if errors.Is(err, types.ErrAlreadyReleased) {
			// The end state the caller wanted already holds.
			escrow, getErr := h.service.GetEscrowByOrder(c.Param("order_id"))
			response.Handle(c, &types.ReleaseResponse{Escrow: escrow}, getErr)
			return
		}
		response.Handle(c, result, err)
	}
}

// DisputeHandler handles POST requests raising a dispute on a held escrow.
func (h *GinHandlers) DisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := callerID(c)
		if actor == "" {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req DisputeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		escrow, err := h.service.Dispute(c.Param("escrow_id"), actor, req.Reason)
		response.Handle(c, escrow, err)
	}
}

// AdminReleaseHandler handles POST requests for a manual admin release,
// optionally overriding the stored split.
func (h *GinHandlers) AdminReleaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReleaseRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			response.BadRequest(c, err.Error())
			return
		}

		escrow, err := h.service.GetEscrowByOrder(c.Param("order_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		result, err := h.service.Release(c.Request.Context(), escrow.OrderID, TriggerAdminManual, req.Split)
		if errors.Is(err, types.ErrAlreadyReleased) {
			response.Handle(c, &types.ReleaseResponse{Escrow: escrow}, nil)
			return
		}
		response.Handle(c, result, err)
	}
}

// AdminRefundHandler handles POST requests for an admin refund.
func (h *GinHandlers) AdminRefundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := callerID(c)

		escrow, err := h.service.Refund(c.Param("escrow_id"), actor)
		response.Handle(c, escrow, err)
	}
}

// AdminResolveDisputeHandler handles POST requests resolving a dispute
// to RELEASE or REFUND.
func (h *GinHandlers) AdminResolveDisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := callerID(c)

		var req ResolveDisputeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ResolveDispute(c.Request.Context(), c.Param("escrow_id"), actor, req.Outcome, req.Split)
		response.Handle(c, result, err)
	}
}

// AdminListEscrowsHandler handles GET requests listing all escrows.
func (h *GinHandlers) AdminListEscrowsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		escrows, err := h.service.ListEscrows()
		response.Handle(c, escrows, err)
	}
}

// AdminRegisterRecipientHandler handles POST requests registering a
// payee's payout recipient code.
func (h *GinHandlers) AdminRegisterRecipientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRecipientRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.RegisterRecipient(&req); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "recipient registered successfully"})
	}
}

// GetEscrowTransactionsHandler handles GET requests listing ledger
// entries for one escrow.
func (h *GinHandlers) GetEscrowTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		txns, err := h.service.GetTransactionsByEscrow(c.Param("escrow_id"))
		response.Handle(c, txns, err)
	}
}
