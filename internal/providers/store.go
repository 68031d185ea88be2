package providers

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
)

// MemoryStore is an in-memory provider account store.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Account
	byAccount map[string]string // account id → provider id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Account),
		byAccount: make(map[string]string),
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ProviderID]; ok {
		return ErrAccountExists
	}
	if _, ok := m.byAccount[a.AccountID]; ok {
		return ErrAccountExists
	}
	cp := *a
	m.byID[a.ProviderID] = &cp
	m.byAccount[a.AccountID] = a.ProviderID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, providerID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetByAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	providerID, ok := m.byAccount[accountID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, providerID)
}

func (m *MemoryStore) SetReady(_ context.Context, accountID string, ready bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	providerID, ok := m.byAccount[accountID]
	if !ok {
		return ErrNotFound
	}
	a := m.byID[providerID]
	a.TransfersReady = ready
	a.UpdatedAt = at
	return nil
}

// PostgresStore persists provider accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed provider store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `provider_id, account_id, email, transfers_ready, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	var email sql.NullString
	if a.Email != "" {
		email = sql.NullString{String: a.Email, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ProviderID, a.AccountID, email, a.TransfersReady, a.CreatedAt, a.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAccountExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, providerID string) (*Account, error) {
	return p.scanOne(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE provider_id = $1`, providerID))
}

func (p *PostgresStore) GetByAccount(ctx context.Context, accountID string) (*Account, error) {
	return p.scanOne(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE account_id = $1`, accountID))
}

func (p *PostgresStore) SetReady(ctx context.Context, accountID string, ready bool, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE provider_accounts SET transfers_ready = $2, updated_at = $3
		WHERE account_id = $1`, accountID, ready, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Account, error) {
	a := &Account{}
	var email sql.NullString
	err := row.Scan(&a.ProviderID, &a.AccountID, &email, &a.TransfersReady, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Email = email.String
	return a, nil
}
