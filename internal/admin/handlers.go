package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/escrow"
	"github.com/mbd888/contrata/internal/providers"
	"github.com/mbd888/contrata/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	escrows    EscrowService
	sweeper    Sweeper
	reconciler ReconciliationRunner
	providers  ProviderDirectory
}

// NewHandler creates a new admin handler.
func NewHandler(escrows EscrowService) *Handler {
	return &Handler{escrows: escrows}
}

// WithSweeper enables the on-demand auto-release sweep.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithReconciler sets the reconciliation runner for on-demand reconciliation.
func (h *Handler) WithReconciler(r ReconciliationRunner) *Handler {
	h.reconciler = r
	return h
}

// WithProviders enables provider account lookups.
func (h *Handler) WithProviders(p ProviderDirectory) *Handler {
	h.providers = p
	return h
}

// RegisterRoutes sets up admin routes. The group must already require admin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.listOpenDisputes)
	esc := r.Group("/admin/escrows/:id", validation.IDParamMiddleware("id", "esc_"))
	esc.GET("", h.getEscrow)
	esc.POST("/resolve", h.resolveDispute)
	esc.POST("/recover", h.recoverClaim)
	r.POST("/admin/sweep", h.sweep)
	r.POST("/admin/reconcile", h.triggerReconciliation)
	r.GET("/admin/providers/:id", h.getProvider)
}

func adminActor(c *gin.Context) escrow.Actor {
	subject := "admin"
	if id, ok := auth.GetIdentity(c); ok {
		subject = id.Subject
	}
	return escrow.Actor{ID: subject, Admin: true}
}

// listOpenDisputes returns unresolved disputes, oldest first.
func (h *Handler) listOpenDisputes(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	disputes, err := h.escrows.ListOpenDisputes(c.Request.Context(), adminActor(c), limit)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

func (h *Handler) getEscrow(c *gin.Context) {
	view, err := h.escrows.Status(c.Request.Context(), adminActor(c), c.Param("id"))
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
	Note    string `json:"note"`
}

// resolveDispute applies an admin decision to a disputed escrow.
func (h *Handler) resolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	req.Note = validation.SanitizeString(req.Note, validation.MaxStringLength)

	p, err := h.escrows.ResolveDispute(c.Request.Context(), adminActor(c), c.Param("id"), escrow.Outcome(req.Outcome), req.Note)
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": p})
}

// recoverClaim re-drives an escrow stuck mid-transition.
func (h *Handler) recoverClaim(c *gin.Context) {
	p, err := h.escrows.RecoverClaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		escrow.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": p, "inFlight": p.InFlight()})
}

// sweep runs one auto-release pass now.
func (h *Handler) sweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "auto-release is not configured"})
		return
	}
	released, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "message": err.Error(), "released": released})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "reconciliation is not configured"})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error(), "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) getProvider(c *gin.Context) {
	if h.providers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "provider directory is not configured"})
		return
	}
	acct, err := h.providers.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, providers.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Provider has no connected account."})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}
