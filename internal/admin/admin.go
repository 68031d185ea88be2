// Package admin provides operator endpoints for disputes and escrows the
// normal flow left behind.
package admin

import (
	"context"

	"github.com/mbd888/contrata/internal/escrow"
	"github.com/mbd888/contrata/internal/providers"
	"github.com/mbd888/contrata/internal/reconciliation"
)

// EscrowService abstracts the coordinator operations admins drive.
type EscrowService interface {
	ListOpenDisputes(ctx context.Context, actor escrow.Actor, limit int) ([]*escrow.Dispute, error)
	ResolveDispute(ctx context.Context, actor escrow.Actor, escrowID string, outcome escrow.Outcome, note string) (*escrow.Payment, error)
	RecoverClaim(ctx context.Context, escrowID string) (*escrow.Payment, error)
	Status(ctx context.Context, actor escrow.Actor, escrowID string) (*escrow.StatusView, error)
}

// Sweeper runs one auto-release pass.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ReconciliationRunner runs an on-demand reconciliation.
type ReconciliationRunner interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
}

// ProviderDirectory looks up connected accounts.
type ProviderDirectory interface {
	Get(ctx context.Context, providerID string) (*providers.Account, error)
}
