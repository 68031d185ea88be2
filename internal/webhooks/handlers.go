package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/payments"
)

// MaxPayloadSize bounds a processor delivery.
const MaxPayloadSize = 256 << 10

// Handler receives processor webhooks.
type Handler struct {
	ingestor *Ingestor
}

// NewHandler creates a new webhook handler.
func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

// RegisterRoutes sets up the public webhook route. It must stay outside
// bearer auth: the signature is the authentication.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /webhooks/stripe
func (h *Handler) Receive(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}
	if len(payload) > MaxPayloadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Webhook payload exceeds the maximum size",
		})
		return
	}

	outcome, err := h.ingestor.Ingest(ctx, payload, c.GetHeader(h.ingestor.SignatureHeader()))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
	case errors.Is(err, payments.ErrInvalidSignature):
		logging.L(ctx).Warn("rejected webhook with invalid signature",
			"security_event", true,
			"client_ip", c.ClientIP(),
			"bytes", len(payload),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
	default:
		// Non-2xx makes the processor redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Event could not be processed",
		})
	}
}
