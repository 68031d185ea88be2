package webhooks

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MemoryEventLog is an in-memory EventLog for demo/development mode.
type MemoryEventLog struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{records: make(map[string]*Record)}
}

func (m *MemoryEventLog) Record(_ context.Context, eventID, eventType string, _ []byte, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[eventID]; ok {
		return r.ProcessedAt != nil, nil
	}
	m.records[eventID] = &Record{EventID: eventID, Type: eventType, ReceivedAt: at}
	return false, nil
}

func (m *MemoryEventLog) Finish(_ context.Context, eventID string, outcome Outcome, procErr error, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[eventID]
	if !ok {
		return nil
	}
	r.Outcome = outcome
	r.Error = ""
	if procErr != nil {
		r.Error = procErr.Error()
		return nil
	}
	r.ProcessedAt = &at
	return nil
}

func (m *MemoryEventLog) CountUnprocessed(_ context.Context, receivedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.ProcessedAt == nil && r.ReceivedAt.Before(receivedBefore) {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of a stored record.
func (m *MemoryEventLog) Get(eventID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[eventID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// PostgresEventLog persists processor events in the processor_events table.
type PostgresEventLog struct {
	db *sql.DB
}

// NewPostgresEventLog creates a PostgreSQL-backed event log.
func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

func (p *PostgresEventLog) Record(ctx context.Context, eventID, eventType string, payload []byte, at time.Time) (bool, error) {
	var processed bool
	err := p.db.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO processor_events (event_id, event_type, payload, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING FALSE AS processed
		)
		SELECT processed FROM ins
		UNION ALL
		SELECT processed_at IS NOT NULL FROM processor_events WHERE event_id = $1
		LIMIT 1`,
		eventID, eventType, string(payload), at,
	).Scan(&processed)
	return processed, err
}

func (p *PostgresEventLog) Finish(ctx context.Context, eventID string, outcome Outcome, procErr error, at time.Time) error {
	var (
		errMsg    sql.NullString
		processed sql.NullTime
	)
	if procErr != nil {
		errMsg = sql.NullString{String: procErr.Error(), Valid: true}
	} else {
		processed = sql.NullTime{Time: at, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE processor_events SET outcome = $2, error = $3, processed_at = $4
		WHERE event_id = $1`,
		eventID, string(outcome), errMsg, processed)
	return err
}

func (p *PostgresEventLog) CountUnprocessed(ctx context.Context, receivedBefore time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processor_events
		WHERE processed_at IS NULL AND received_at < $1`, receivedBefore).Scan(&n)
	return n, err
}
