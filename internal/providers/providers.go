// Package providers maps service providers to their processor connected
// accounts and tracks whether those accounts can receive transfers.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/payments"
)

var (
	ErrNotFound      = errors.New("provider account not found")
	ErrAccountExists = errors.New("provider already has a connected account")
)

// Account is a provider's connected processor account.
type Account struct {
	ProviderID     string    `json:"providerId"`
	AccountID      string    `json:"accountId"`
	Email          string    `json:"email,omitempty"`
	TransfersReady bool      `json:"transfersReady"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists provider accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, providerID string) (*Account, error)
	GetByAccount(ctx context.Context, accountID string) (*Account, error)
	SetReady(ctx context.Context, accountID string, ready bool, at time.Time) error
}

// Service handles provider onboarding.
type Service struct {
	store     Store
	onboarder payments.Onboarder
	now       func() time.Time
}

// NewService creates a provider service.
func NewService(store Store, onboarder payments.Onboarder) *Service {
	return &Service{
		store:     store,
		onboarder: onboarder,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Onboarding is the answer to StartOnboarding.
type Onboarding struct {
	Account *Account `json:"account"`
	URL     string   `json:"onboardingUrl"`
}

// StartOnboarding creates the provider's connected account on first use
// and returns a fresh hosted onboarding link.
func (s *Service) StartOnboarding(ctx context.Context, providerID, email string) (*Onboarding, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider id is required", payments.ErrInvalidRequest)
	}

	acct, err := s.store.Get(ctx, providerID)
	if errors.Is(err, ErrNotFound) {
		acct, err = s.createAccount(ctx, providerID, email)
	}
	if err != nil {
		return nil, err
	}

	url, err := s.onboarder.OnboardingLink(ctx, acct.AccountID)
	if err != nil {
		return nil, err
	}
	return &Onboarding{Account: acct, URL: url}, nil
}

func (s *Service) createAccount(ctx context.Context, providerID, email string) (*Account, error) {
	accountID, err := s.onboarder.CreateConnectedAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	now := s.now()
	acct := &Account{
		ProviderID: providerID,
		AccountID:  accountID,
		Email:      email,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, acct); err != nil {
		if errors.Is(err, ErrAccountExists) {
			// Lost a race with a concurrent onboarding; the stored account wins.
			logging.L(ctx).Warn("discarding duplicate connected account", "provider_id", providerID, "account_id", accountID)
			return s.store.Get(ctx, providerID)
		}
		return nil, fmt.Errorf("failed to store provider account: %w", err)
	}
	logging.L(ctx).Info("connected account created", "provider_id", providerID, "account_id", accountID)
	return acct, nil
}

// Get returns the provider's account.
func (s *Service) Get(ctx context.Context, providerID string) (*Account, error) {
	return s.store.Get(ctx, providerID)
}

// ConnectedAccount returns the provider's account id, or "" when the
// provider never started onboarding.
func (s *Service) ConnectedAccount(ctx context.Context, providerID string) (string, error) {
	acct, err := s.store.Get(ctx, providerID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return acct.AccountID, nil
}

// AccountReady reports the stored transfer capability of a connected
// account. Unknown accounts are not ready.
func (s *Service) AccountReady(ctx context.Context, accountID string) (bool, error) {
	a, err := s.store.GetByAccount(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.TransfersReady, nil
}

// MarkAccountReady records the processor's view of an account's transfer
// capability. Accounts this service did not create are ignored.
func (s *Service) MarkAccountReady(ctx context.Context, accountID string, ready bool) error {
	err := s.store.SetReady(ctx, accountID, ready, s.now())
	if errors.Is(err, ErrNotFound) {
		logging.L(ctx).Info("account update for unknown connected account", "account_id", accountID)
		return nil
	}
	if err != nil {
		return err
	}
	logging.L(ctx).Info("connected account updated", "account_id", accountID, "transfers_ready", ready)
	return nil
}
