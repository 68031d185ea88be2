package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/payments"
)

// Sandbox routes stand in for the processor's hosted pages in development:
// the checkout and onboarding URLs the sandbox hands out point here, and
// completing them delivers a signed event through the regular ingestor.
func (s *Server) registerSandboxRoutes() {
	g := s.router.Group("/sandbox")
	g.GET("/checkout/:ref", s.sandboxCheckout)
	g.POST("/checkout/:ref/authorize", s.sandboxAuthorize)
	g.POST("/checkout/:ref/fail", s.sandboxFail)
	g.GET("/onboarding/:account", s.sandboxOnboarding)
	g.POST("/onboarding/:account/complete", s.sandboxCompleteOnboarding)
	s.logger.Warn("sandbox routes enabled")
}

func (s *Server) sandboxCheckout(c *gin.Context) {
	ref := c.Param("ref")
	escrowID, ok := s.sandbox.CheckoutEscrow(ref)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown checkout session."})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"checkout":  ref,
		"escrowId":  escrowID,
		"authorize": "/sandbox/checkout/" + ref + "/authorize",
		"fail":      "/sandbox/checkout/" + ref + "/fail",
	})
}

func (s *Server) sandboxAuthorize(c *gin.Context) {
	ref := c.Param("ref")
	escrowID, ok := s.sandbox.CheckoutEscrow(ref)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown checkout session."})
		return
	}
	s.deliverSandboxEvent(c, payments.SandboxEvent{
		Type:       payments.SandboxPaymentAuthorized,
		EscrowID:   escrowID,
		PaymentRef: "pi_sandbox_" + strings.TrimPrefix(ref, "cs_sandbox_"),
	})
}

func (s *Server) sandboxFail(c *gin.Context) {
	ref := c.Param("ref")
	escrowID, ok := s.sandbox.CheckoutEscrow(ref)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown checkout session."})
		return
	}
	reason := c.DefaultQuery("reason", "card_declined")
	s.deliverSandboxEvent(c, payments.SandboxEvent{
		Type:          payments.SandboxPaymentFailed,
		EscrowID:      escrowID,
		FailureReason: reason,
	})
}

func (s *Server) sandboxOnboarding(c *gin.Context) {
	account := c.Param("account")
	c.JSON(http.StatusOK, gin.H{
		"account":  account,
		"complete": "/sandbox/onboarding/" + account + "/complete",
	})
}

func (s *Server) sandboxCompleteOnboarding(c *gin.Context) {
	account := c.Param("account")
	if !strings.HasPrefix(account, "acct_sandbox_") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown sandbox account."})
		return
	}
	s.sandbox.SetPayeeReady(account, true)
	s.deliverSandboxEvent(c, payments.SandboxEvent{
		Type:         payments.SandboxAccountUpdated,
		AccountID:    account,
		AccountReady: true,
	})
}

func (s *Server) deliverSandboxEvent(c *gin.Context, evt payments.SandboxEvent) {
	payload, sig := s.sandbox.SignedEvent(evt)
	outcome, err := s.ingestor.Ingest(c.Request.Context(), payload, sig)
	if err != nil {
		logging.L(c.Request.Context()).Error("sandbox event not applied", "type", evt.Type, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "event_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": evt.Type, "outcome": outcome})
}
