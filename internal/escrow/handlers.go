package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/pagination"
	"github.com/mbd888/contrata/internal/validation"
)

// Handler provides HTTP endpoints for conversations and escrows.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	conv := r.Group("/conversations")
	conv.POST("", auth.RequireRole(auth.RoleClient), h.CreateConversation)
	conv.GET("/:id", validation.IDParamMiddleware("id", "conv_"), h.GetConversation)
	conv.POST("/:id/price", validation.IDParamMiddleware("id", "conv_"), h.ProposePrice)
	conv.POST("/:id/accept", validation.IDParamMiddleware("id", "conv_"), h.AcceptPrice)

	esc := r.Group("/escrows")
	esc.POST("", h.CreateOrderEscrow)
	esc.GET("", h.ListEscrows)
	byID := esc.Group("/:id", validation.IDParamMiddleware("id", "esc_"))
	byID.GET("", h.GetStatus)
	byID.POST("/pay", h.PayNow)
	byID.POST("/confirm", h.ConfirmCompletion)
	byID.POST("/dispute", h.OpenDispute)
	byID.GET("/ledger", h.ListLedger)
	byID.GET("/disputes", h.ListDisputes)
}

// actorFrom maps the authenticated identity to a coordinator actor.
func actorFrom(c *gin.Context) (Actor, bool) {
	id, ok := auth.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token required.",
		})
		return Actor{}, false
	}
	return Actor{ID: id.Subject, Admin: id.IsAdmin()}, true
}

// WriteError translates coordinator errors into the API error shape.
func WriteError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	retryable := false
	switch {
	case errors.Is(err, ErrClaimNeedsReview):
		status, code = http.StatusConflict, "claim_needs_review"
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrDisputeNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrIllegalTransition):
		status, code = http.StatusConflict, "illegal_transition"
	case errors.Is(err, ErrDuplicateEvent):
		status, code = http.StatusConflict, "duplicate_event"
	case errors.Is(err, ErrPayeeAccountNotReady):
		status, code, retryable = http.StatusConflict, "payee_account_not_ready", true
	case errors.Is(err, ErrProcessorUnavailable):
		status, code, retryable = http.StatusServiceUnavailable, "processor_unavailable", true
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		message = "Internal error"
	}
	body := gin.H{"error": code, "message": message}
	if retryable {
		body["retryable"] = true
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

type createConversationRequest struct {
	ProviderID string `json:"providerId"`
}

// CreateConversation handles POST /v1/conversations
func (h *Handler) CreateConversation(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(validation.Required("providerId", req.ProviderID)); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	conv, err := h.service.CreateConversation(c.Request.Context(), actor, req.ProviderID)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// GetConversation handles GET /v1/conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	conv, err := h.service.GetConversation(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

type proposePriceRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// ProposePrice handles POST /v1/conversations/:id/price
func (h *Handler) ProposePrice(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req proposePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.Currency("currency", req.Currency),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	conv, err := h.service.ProposePrice(c.Request.Context(), actor, c.Param("id"), req.Amount, req.Currency)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// AcceptPrice handles POST /v1/conversations/:id/accept
func (h *Handler) AcceptPrice(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	conv, p, err := h.service.AcceptPrice(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv, "escrow": p})
}

// CreateOrderEscrow handles POST /v1/escrows
func (h *Handler) CreateOrderEscrow(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("payeeId", req.PayeeID),
		validation.PositiveAmount("amount", req.Amount),
		validation.Currency("currency", req.Currency),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	p, err := h.service.CreateOrderEscrow(c.Request.Context(), actor, req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": p})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	limit := pagination.ClampLimit(c.Query("limit"), 50, 100)
	items, next, err := h.service.ListByParty(c.Request.Context(), actor, c.Query("cursor"), limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	resp := gin.H{"escrows": items, "count": len(items)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetStatus handles GET /v1/escrows/:id
func (h *Handler) GetStatus(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	view, err := h.service.Status(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// PayNow handles POST /v1/escrows/:id/pay
func (h *Handler) PayNow(c *gin.Context) {
	id, ok := auth.GetIdentity(c)
	if !ok {
		actorFrom(c)
		return
	}
	p, err := h.service.PayNow(c.Request.Context(), Actor{ID: id.Subject, Admin: id.IsAdmin()}, c.Param("id"), id.Email)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": p, "checkoutUrl": p.CheckoutURL})
}

// ConfirmCompletion handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmCompletion(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	p, err := h.service.ConfirmCompletion(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": p})
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength+1)
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	p, d, err := h.service.OpenDispute(c.Request.Context(), actor, c.Param("id"), req.Reason)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": p, "dispute": d})
}

// ListLedger handles GET /v1/escrows/:id/ledger
func (h *Handler) ListLedger(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	entries, err := h.service.ListLedger(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ListDisputes handles GET /v1/escrows/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	disputes, err := h.service.ListDisputes(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}
