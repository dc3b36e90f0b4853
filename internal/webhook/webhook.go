package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/swiftcart/escrow-api/internal/escrow"
	"github.com/swiftcart/escrow-api/pkg/response"
)

// Recognized gateway events. Anything else is acknowledged and ignored.
const (
	EventChargeSuccess    = "charge.success"
	EventChargeFailed     = "charge.failed"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

// Event is the gateway callback envelope.
type Event struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData carries the fields the engine dispatches on.
type EventData struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	ID        int64  `json:"id"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
}

// Handler authenticates inbound gateway callbacks and dispatches them
// to the settlement engine. Every dispatch is idempotent by the
// transaction's unique reference, so gateway retries never double-apply
// a state change.
type Handler struct {
	engine *escrow.Service
	secret string
}

func NewHandler(engine *escrow.Service, secret string) *Handler {
	return &Handler{
		engine: engine,
		secret: secret,
	}
}

// verifySignature recomputes the HMAC-SHA512 of the raw body and
// compares it to the header value in constant time. A non-constant-time
// comparison here would leak the signature through timing.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	if h.secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// GatewayWebhookHandler handles POST callbacks from the payment
// gateway. Responds 200 on any event it understands or safely ignores,
// 400 on a bad signature; the gateway retries on non-2xx.
func (h *Handler) GatewayWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := log.With().Str("component", "webhook").Logger()

		body, err := c.GetRawData()
		if err != nil {
			response.BadRequest(c, "failed to read request body")
			return
		}

		if !h.verifySignature(body, c.GetHeader("X-Signature")) {
			// Potential spoofing attempt; never processed.
			logger.Warn().
				Str("remote_addr", c.ClientIP()).
				Msg("webhook rejected: invalid signature")
			response.BadRequest(c, "invalid signature")
			return
		}

		var event Event
		if err := json.Unmarshal(body, &event); err != nil {
			logger.Warn().Err(err).Msg("webhook rejected: malformed payload")
			response.BadRequest(c, "malformed payload")
			return
		}

		logger = logger.With().
			Str("event", event.Event).
			Str("reference", event.Data.Reference).
			Logger()

		// Dispatch errors are logged but acknowledged 200: an unknown
		// reference is not fatal per the gateway delivery-retry
		// contract, and a retry will not change the outcome.
		switch event.Event {
		case EventChargeSuccess:
			if err := h.engine.ConfirmCharge(event.Data.Reference, gatewayID(event.Data.ID)); err != nil {
				logger.Warn().Err(err).Msg("charge.success dispatch failed")
			}
		case EventChargeFailed:
			if err := h.engine.ConfirmChargeFailure(event.Data.Reference); err != nil {
				logger.Warn().Err(err).Msg("charge.failed dispatch failed")
			}
		case EventTransferSuccess:
			if err := h.engine.ConfirmTransferSuccess(event.Data.Reference, gatewayID(event.Data.ID)); err != nil {
				logger.Warn().Err(err).Msg("transfer.success dispatch failed")
			}
		case EventTransferFailed:
			if err := h.engine.ConfirmTransferFailure(event.Data.Reference, event.Data.Reason); err != nil {
				logger.Warn().Err(err).Msg("transfer.failed dispatch failed")
			}
		case EventTransferReversed:
			if err := h.engine.ConfirmTransferReversed(event.Data.Reference); err != nil {
				logger.Warn().Err(err).Msg("transfer.reversed dispatch failed")
			}
		default:
			logger.Debug().Msg("ignoring unrecognized webhook event")
		}

		response.Success(c, gin.H{"received": true})
	}
}

func gatewayID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
