package providers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/payments"
)

// Handler provides HTTP endpoints for provider onboarding.
type Handler struct {
	service *Service
}

// NewHandler creates a new provider handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required provider routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	g := r.Group("/providers/me", auth.RequireRole(auth.RoleProvider))
	g.POST("/onboarding", h.StartOnboarding)
	g.GET("/account", h.GetAccount)
}

// StartOnboarding handles POST /v1/providers/me/onboarding
func (h *Handler) StartOnboarding(c *gin.Context) {
	id, _ := auth.GetIdentity(c)
	ob, err := h.service.StartOnboarding(c.Request.Context(), id.Subject, id.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ob)
}

// GetAccount handles GET /v1/providers/me/account
func (h *Handler) GetAccount(c *gin.Context) {
	id, _ := auth.GetIdentity(c)
	acct, err := h.service.Get(c.Request.Context(), id.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Onboarding has not been started.",
		})
	case errors.Is(err, payments.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, payments.ErrProcessorUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "processor_unavailable",
			"message":   "Payment processor is unavailable, try again shortly.",
			"retryable": true,
		})
	default:
		logging.L(c.Request.Context()).Error("provider request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
