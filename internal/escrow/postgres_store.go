package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/contrata/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const conversationColumns = `id, client_id, provider_id, status, proposed_price, agreed_price,
		       currency, escrow_id, created_at, updated_at`

func (p *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.ClientID, c.ProviderID, string(c.Status), c.ProposedPrice, c.AgreedPrice,
		nullString(c.Currency), nullString(c.EscrowID), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

func updateConversation(ctx context.Context, db execer, c *Conversation, expect ConversationStatus) error {
	result, err := db.ExecContext(ctx, `
		UPDATE conversations SET
			status = $1, proposed_price = $2, agreed_price = $3,
			currency = $4, escrow_id = $5, updated_at = $6
		WHERE id = $7 AND status = $8`,
		string(c.Status), c.ProposedPrice, c.AgreedPrice,
		nullString(c.Currency), nullString(c.EscrowID), c.UpdatedAt,
		c.ID, string(expect),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrConversationNotFound
		}
		return errStale
	}
	return nil
}

func (p *PostgresStore) UpdateConversation(ctx context.Context, c *Conversation, expect ConversationStatus) error {
	return updateConversation(ctx, p.db, c, expect)
}

func (p *PostgresStore) AcceptConversation(ctx context.Context, c *Conversation, expect ConversationStatus, e *Payment) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateConversation(ctx, tx, c, expect); err != nil {
		return err
	}
	if err := insertPayment(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

const paymentColumns = `id, conversation_id, order_id, payer_id, payee_id, amount, currency,
		       platform_fee, status, external_ref, payment_ref, checkout_url,
		       transfer_id, failure_reason, auto_release_at,
		       pending_edge, claim_id, claimed_by, claimed_at,
		       authorized_at, released_at, refunded_at, created_at, updated_at,
		       claim_review`

func insertPayment(ctx context.Context, db execer, e *Payment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO escrow_payments (`+paymentColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18, $19,
			$20, $21, $22, $23, $24,
			$25
		)`,
		e.ID, nullString(e.ConversationID), nullString(e.OrderID), e.PayerID, e.PayeeID, e.Amount, e.Currency,
		e.PlatformFee, string(e.Status), nullString(e.ExternalRef), nullString(e.PaymentRef), nullString(e.CheckoutURL),
		nullString(e.TransferID), nullString(e.FailureReason), nullTime(e.AutoReleaseAt),
		nullString(string(e.PendingEdge)), nullString(e.ClaimID), nullString(e.ClaimedBy), nullTime(e.ClaimedAt),
		nullTime(e.AuthorizedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.CreatedAt, e.UpdatedAt,
		nullString(e.ClaimReview),
	)
	return err
}

func (p *PostgresStore) CreatePayment(ctx context.Context, e *Payment) error {
	return insertPayment(ctx, p.db, e)
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM escrow_payments WHERE id = $1`, id)
	e, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Payment, error) {
	var (
		after   sql.NullTime
		afterID string
	)
	if cursor != nil {
		after = sql.NullTime{Time: cursor.CreatedAt, Valid: true}
		afterID = cursor.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE (payer_id = $1 OR payee_id = $1)
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3::text))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, partyID, after, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, now time.Time, after *DueKey, limit int) ([]*Payment, error) {
	var (
		afterAt sql.NullTime
		afterID string
	)
	if after != nil {
		afterAt = sql.NullTime{Time: after.At, Valid: true}
		afterID = after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments e
		WHERE status = 'held'
		  AND pending_edge IS NULL
		  AND auto_release_at <= $1
		  AND ($2::timestamptz IS NULL OR (auto_release_at, id) > ($2::timestamptz, $3::text))
		  AND NOT EXISTS (
			SELECT 1 FROM escrow_disputes d
			WHERE d.escrow_id = e.id AND d.resolved_at IS NULL)
		ORDER BY auto_release_at, id
		LIMIT $4`, now, afterAt, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListStaleClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM escrow_payments
		WHERE pending_edge IS NOT NULL AND claim_review IS NULL AND claimed_at < $1
		ORDER BY claimed_at
		LIMIT $2`, claimedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) CountClaimsInReview(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escrow_payments
		WHERE pending_edge IS NOT NULL AND claim_review IS NOT NULL`).Scan(&n)
	return n, err
}

func (p *PostgresStore) FlagClaim(ctx context.Context, id, claimID, reason string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments SET claim_review = $3, updated_at = $4
		WHERE id = $1 AND claim_id = $2`, id, claimID, reason, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return staleOrMissing(ctx, p.db, id)
	}
	return nil
}

func (p *PostgresStore) CountOverdueHeld(ctx context.Context, dueBefore time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escrow_payments
		WHERE status = 'held' AND auto_release_at < $1`, dueBefore).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountStalePending(ctx context.Context, createdBefore time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escrow_payments
		WHERE status = 'pending' AND created_at < $1`, createdBefore).Scan(&n)
	return n, err
}

// staleOrMissing decides what a conditional write that matched no row means.
func staleOrMissing(ctx context.Context, db execer, id string) error {
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrow_payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return errStale
}

func (p *PostgresStore) SetCheckout(ctx context.Context, id, externalRef, checkoutURL string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments SET external_ref = $2, checkout_url = $3, updated_at = $4
		WHERE id = $1 AND status = 'pending' AND external_ref IS NULL`,
		id, externalRef, checkoutURL, at)
	if err != nil {
		if isUniqueViolation(err) {
			return errStale
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return staleOrMissing(ctx, p.db, id)
	}
	return nil
}

func (p *PostgresStore) Claim(ctx context.Context, c Claim) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrow_payments SET
			pending_edge = $3, claim_id = $4, claimed_by = $5, claimed_at = $6, updated_at = $6
		WHERE id = $1 AND status = $2 AND pending_edge IS NULL
		RETURNING `+paymentColumns,
		c.EscrowID, string(c.From), string(c.Edge), c.ClaimID, c.By, c.At)
	e, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, staleOrMissing(ctx, p.db, c.EscrowID)
	}
	return e, err
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, id, claimID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_payments SET
			pending_edge = NULL, claim_id = NULL, claimed_by = NULL, claimed_at = NULL,
			claim_review = NULL, updated_at = $3
		WHERE id = $1 AND claim_id = $2`, id, claimID, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return staleOrMissing(ctx, p.db, id)
	}
	return nil
}

// Apply commits a transition and its side records in one transaction.
// The UPDATE's WHERE clause is the guard; the row lock it takes serializes
// concurrent writers on the same escrow.
func (p *PostgresStore) Apply(ctx context.Context, t *Transition) (*Payment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}
	var deadline sql.NullTime
	if t.To == StatusHeld {
		deadline = nullTime(t.AutoReleaseAt)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE escrow_payments SET
			status = $2::text,
			updated_at = $3,
			payment_ref = COALESCE(payment_ref, NULLIF($4::text, '')),
			auto_release_at = $5,
			authorized_at = CASE WHEN $2::text = 'held' THEN $3 ELSE authorized_at END,
			released_at = CASE WHEN $2::text = 'released' THEN $3 ELSE released_at END,
			refunded_at = CASE WHEN $2::text = 'refunded' THEN $3 ELSE refunded_at END,
			transfer_id = COALESCE(NULLIF($6::text, ''), transfer_id),
			failure_reason = COALESCE(NULLIF($7::text, ''), failure_reason),
			pending_edge = NULL, claim_id = NULL, claimed_by = NULL, claimed_at = NULL,
			claim_review = NULL
		WHERE id = $1
		  AND status = ANY($8)
		  AND (CASE WHEN $9::text = '' THEN pending_edge IS NULL ELSE claim_id = $9::text END)
		RETURNING `+paymentColumns,
		t.EscrowID, string(t.To), t.At, t.PaymentRef, deadline,
		t.TransferID, t.FailureReason, pq.Array(from), t.ClaimID,
	)
	e, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, staleOrMissing(ctx, tx, t.EscrowID)
	}
	if err != nil {
		return nil, err
	}

	if t.ConversationStatus != "" && e.ConversationID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET status = $2, updated_at = $3 WHERE id = $1`,
			e.ConversationID, string(t.ConversationStatus), t.At); err != nil {
			return nil, fmt.Errorf("failed to update conversation: %w", err)
		}
	}
	for _, l := range []*LedgerEntry{t.Capture, t.Ledger} {
		if l == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_ledger_entries (id, escrow_id, type, amount, currency, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			l.ID, l.EscrowID, string(l.Type), l.Amount, l.Currency, l.Description, l.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return nil, errStale
			}
			return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
		}
	}
	if d := t.OpenDispute; d != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_disputes (id, escrow_id, raised_by, reason, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			d.ID, d.EscrowID, d.RaisedBy, d.Reason, d.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return nil, errStale
			}
			return nil, fmt.Errorf("failed to insert dispute: %w", err)
		}
	}
	if r := t.CloseDispute; r != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE escrow_disputes SET resolution = $2, resolution_note = $3, resolved_by = $4, resolved_at = $5
			WHERE escrow_id = $1 AND resolved_at IS NULL`,
			t.EscrowID, string(r.Outcome), nullString(r.Note), nullString(r.ResolvedBy), t.At); err != nil {
			return nil, fmt.Errorf("failed to close dispute: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

const disputeColumns = `id, escrow_id, raised_by, reason, resolution, resolution_note,
		       resolved_by, created_at, resolved_at`

func (p *PostgresStore) GetOpenDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM escrow_disputes
		WHERE escrow_id = $1 AND resolved_at IS NULL`, escrowID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM escrow_disputes
		WHERE escrow_id = $1
		ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM escrow_disputes
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListLedger(ctx context.Context, escrowID string) ([]*LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, type, amount, currency, description, created_at
		FROM escrow_ledger_entries
		WHERE escrow_id = $1
		ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*LedgerEntry
	for rows.Next() {
		l := &LedgerEntry{}
		var typ string
		if err := rows.Scan(&l.ID, &l.EscrowID, &typ, &l.Amount, &l.Currency, &l.Description, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Type = LedgerType(typ)
		result = append(result, l)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	e := &Payment{}
	var (
		conversationID sql.NullString
		orderID        sql.NullString
		status         string
		externalRef    sql.NullString
		paymentRef     sql.NullString
		checkoutURL    sql.NullString
		transferID     sql.NullString
		failureReason  sql.NullString
		autoReleaseAt  sql.NullTime
		pendingEdge    sql.NullString
		claimID        sql.NullString
		claimedBy      sql.NullString
		claimedAt      sql.NullTime
		authorizedAt   sql.NullTime
		releasedAt     sql.NullTime
		refundedAt     sql.NullTime
		claimReview    sql.NullString
	)

	err := s.Scan(
		&e.ID, &conversationID, &orderID, &e.PayerID, &e.PayeeID, &e.Amount, &e.Currency,
		&e.PlatformFee, &status, &externalRef, &paymentRef, &checkoutURL,
		&transferID, &failureReason, &autoReleaseAt,
		&pendingEdge, &claimID, &claimedBy, &claimedAt,
		&authorizedAt, &releasedAt, &refundedAt, &e.CreatedAt, &e.UpdatedAt,
		&claimReview,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.ConversationID = conversationID.String
	e.OrderID = orderID.String
	e.ExternalRef = externalRef.String
	e.PaymentRef = paymentRef.String
	e.CheckoutURL = checkoutURL.String
	e.TransferID = transferID.String
	e.FailureReason = failureReason.String
	e.PendingEdge = Edge(pendingEdge.String)
	e.ClaimID = claimID.String
	e.ClaimedBy = claimedBy.String
	e.ClaimReview = claimReview.String
	e.AutoReleaseAt = timePtr(autoReleaseAt)
	e.ClaimedAt = timePtr(claimedAt)
	e.AuthorizedAt = timePtr(authorizedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	return e, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		e, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanConversation(s scanner) (*Conversation, error) {
	c := &Conversation{}
	var (
		status   string
		currency sql.NullString
		escrowID sql.NullString
	)
	err := s.Scan(&c.ID, &c.ClientID, &c.ProviderID, &status, &c.ProposedPrice, &c.AgreedPrice,
		&currency, &escrowID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = ConversationStatus(status)
	c.Currency = currency.String
	c.EscrowID = escrowID.String
	return c, nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		resolution sql.NullString
		note       sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &resolution, &note,
		&resolvedBy, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Resolution = Outcome(resolution.String)
	d.ResolutionNote = note.String
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
