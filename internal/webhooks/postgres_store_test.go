//go:build integration

package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/contrata/internal/testutil"
)

func TestPostgresEventLog(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	log := NewPostgresEventLog(db)
	now := time.Now().UTC()
	payload := []byte(`{"id":"evt_pg","type":"payment.authorized"}`)

	processed, err := log.Record(ctx, "evt_pg", "payment.authorized", payload, now)
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, log.Finish(ctx, "evt_pg", OutcomeFailed, errors.New("boom"), now))
	processed, err = log.Record(ctx, "evt_pg", "payment.authorized", payload, now)
	require.NoError(t, err)
	assert.False(t, processed)

	n, err := log.CountUnprocessed(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, log.Finish(ctx, "evt_pg", OutcomeApplied, nil, now))
	processed, err = log.Record(ctx, "evt_pg", "payment.authorized", payload, now)
	require.NoError(t, err)
	assert.True(t, processed)
}
