package escrow

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/contrata/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// One mutex guards every map so a Transition commits atomically.
type MemoryStore struct {
	mu            sync.RWMutex
	payments      map[string]*Payment
	conversations map[string]*Conversation
	disputes      map[string][]*Dispute     // by escrow id, oldest first
	ledger        map[string][]*LedgerEntry // by escrow id
	externalRefs  map[string]string         // external ref → escrow id
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:      make(map[string]*Payment),
		conversations: make(map[string]*Conversation),
		disputes:      make(map[string][]*Dispute),
		ledger:        make(map[string][]*LedgerEntry),
		externalRefs:  make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func copyPayment(p *Payment) *Payment {
	cp := *p
	return &cp
}

func copyConversation(c *Conversation) *Conversation {
	cp := *c
	return &cp
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	return &cp
}

func (m *MemoryStore) CreateConversation(_ context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = copyConversation(c)
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return copyConversation(c), nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, c *Conversation, expect ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conversations[c.ID]
	if !ok {
		return ErrConversationNotFound
	}
	if cur.Status != expect {
		return errStale
	}
	m.conversations[c.ID] = copyConversation(c)
	return nil
}

func (m *MemoryStore) AcceptConversation(_ context.Context, c *Conversation, expect ConversationStatus, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.conversations[c.ID]
	if !ok {
		return ErrConversationNotFound
	}
	if cur.Status != expect {
		return errStale
	}
	m.conversations[c.ID] = copyConversation(c)
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPayment(p), nil
}

// newestFirst orders by created_at desc, id desc, matching the Postgres index.
func newestFirst(a, b *Payment) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

func (m *MemoryStore) ListByParty(_ context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if !p.IsParty(partyID) {
			continue
		}
		if cursor != nil {
			if p.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if p.CreatedAt.Equal(cursor.CreatedAt) && p.ID >= cursor.ID {
				continue
			}
		}
		result = append(result, copyPayment(p))
	}
	slices.SortFunc(result, newestFirst)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) hasOpenDispute(escrowID string) bool {
	for _, d := range m.disputes[escrowID] {
		if d.IsOpen() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListDueForRelease(_ context.Context, now time.Time, after *DueKey, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status != StatusHeld || p.InFlight() || p.AutoReleaseAt == nil || p.AutoReleaseAt.After(now) {
			continue
		}
		if after != nil && dueOrder(p, after.At, after.ID) <= 0 {
			continue
		}
		if m.hasOpenDispute(p.ID) {
			continue
		}
		result = append(result, copyPayment(p))
	}
	slices.SortFunc(result, func(a, b *Payment) int { return dueOrder(a, *b.AutoReleaseAt, b.ID) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// dueOrder compares p's position in the due list with (at, id).
func dueOrder(p *Payment, at time.Time, id string) int {
	if c := p.AutoReleaseAt.Compare(at); c != 0 {
		return c
	}
	return strings.Compare(p.ID, id)
}

func (m *MemoryStore) ListStaleClaims(_ context.Context, claimedBefore time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.InFlight() && p.ClaimReview == "" && p.ClaimedAt != nil && p.ClaimedAt.Before(claimedBefore) {
			result = append(result, copyPayment(p))
		}
	}
	slices.SortFunc(result, func(a, b *Payment) int { return a.ClaimedAt.Compare(*b.ClaimedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountOverdueHeld(_ context.Context, dueBefore time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.payments {
		if p.Status == StatusHeld && p.AutoReleaseAt != nil && p.AutoReleaseAt.Before(dueBefore) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountStalePending(_ context.Context, createdBefore time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.payments {
		if p.Status == StatusPending && p.CreatedAt.Before(createdBefore) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SetCheckout(_ context.Context, id, externalRef, checkoutURL string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPending || p.ExternalRef != "" {
		return errStale
	}
	if owner, taken := m.externalRefs[externalRef]; taken && owner != id {
		return errStale
	}
	p.ExternalRef = externalRef
	p.CheckoutURL = checkoutURL
	p.UpdatedAt = at
	m.externalRefs[externalRef] = id
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, c Claim) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[c.EscrowID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != c.From || p.InFlight() {
		return nil, errStale
	}
	at := c.At
	p.PendingEdge = c.Edge
	p.ClaimID = c.ClaimID
	p.ClaimedBy = c.By
	p.ClaimedAt = &at
	p.UpdatedAt = at
	return copyPayment(p), nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, id, claimID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.ClaimID != claimID {
		return errStale
	}
	clearClaim(p)
	p.UpdatedAt = at
	return nil
}

func clearClaim(p *Payment) {
	p.PendingEdge = ""
	p.ClaimID = ""
	p.ClaimedBy = ""
	p.ClaimedAt = nil
	p.ClaimReview = ""
}

func (m *MemoryStore) FlagClaim(_ context.Context, id, claimID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.ClaimID != claimID {
		return errStale
	}
	p.ClaimReview = reason
	p.UpdatedAt = at
	return nil
}

func (m *MemoryStore) CountClaimsInReview(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.payments {
		if p.InFlight() && p.ClaimReview != "" {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Apply(_ context.Context, t *Transition) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[t.EscrowID]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(t.From, p.Status) {
		return nil, errStale
	}
	if t.ClaimID != "" {
		if p.ClaimID != t.ClaimID {
			return nil, errStale
		}
	} else if p.InFlight() {
		return nil, errStale
	}
	if t.OpenDispute != nil && m.hasOpenDispute(p.ID) {
		return nil, errStale
	}
	if t.Ledger != nil && t.Ledger.Type != LedgerDispute {
		for _, e := range m.ledger[p.ID] {
			if e.Type == LedgerRelease || e.Type == LedgerRefund {
				return nil, errStale
			}
		}
	}

	// Guards passed; everything below commits together.
	next := copyPayment(p)
	at := t.At
	next.Status = t.To
	next.UpdatedAt = at
	if next.PaymentRef == "" {
		next.PaymentRef = t.PaymentRef
	}
	next.AutoReleaseAt = nil
	if t.To == StatusHeld {
		next.AutoReleaseAt = t.AutoReleaseAt
		next.AuthorizedAt = &at
	}
	switch t.To {
	case StatusReleased:
		next.ReleasedAt = &at
	case StatusRefunded:
		next.RefundedAt = &at
	}
	if t.TransferID != "" {
		next.TransferID = t.TransferID
	}
	if t.FailureReason != "" {
		next.FailureReason = t.FailureReason
	}
	clearClaim(next)
	m.payments[p.ID] = next

	if t.ConversationStatus != "" && next.ConversationID != "" {
		if c, ok := m.conversations[next.ConversationID]; ok {
			c.Status = t.ConversationStatus
			c.UpdatedAt = at
		}
	}
	for _, l := range []*LedgerEntry{t.Capture, t.Ledger} {
		if l != nil {
			e := *l
			m.ledger[p.ID] = append(m.ledger[p.ID], &e)
		}
	}
	if t.OpenDispute != nil {
		m.disputes[p.ID] = append(m.disputes[p.ID], copyDispute(t.OpenDispute))
	}
	if t.CloseDispute != nil {
		for _, d := range m.disputes[p.ID] {
			if d.IsOpen() {
				d.Resolution = t.CloseDispute.Outcome
				d.ResolutionNote = t.CloseDispute.Note
				d.ResolvedBy = t.CloseDispute.ResolvedBy
				d.ResolvedAt = &at
			}
		}
	}
	return copyPayment(next), nil
}

func (m *MemoryStore) GetOpenDispute(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes[escrowID] {
		if d.IsOpen() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListDisputes(_ context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Dispute, 0, len(m.disputes[escrowID]))
	for _, d := range m.disputes[escrowID] {
		result = append(result, copyDispute(d))
	}
	return result, nil
}

func (m *MemoryStore) ListOpenDisputes(_ context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Dispute
	for _, list := range m.disputes {
		for _, d := range list {
			if d.IsOpen() {
				result = append(result, copyDispute(d))
			}
		}
	}
	slices.SortFunc(result, func(a, b *Dispute) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListLedger(_ context.Context, escrowID string) ([]*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*LedgerEntry, 0, len(m.ledger[escrowID]))
	for _, e := range m.ledger[escrowID] {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}
