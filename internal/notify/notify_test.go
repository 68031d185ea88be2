package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/contrata/internal/escrow"
	"github.com/mbd888/contrata/internal/metrics"
)

var _ escrow.Notifier = (*Dispatcher)(nil)

type recordingSink struct {
	mu  sync.Mutex
	got []*Notification
	err error
}

func (r *recordingSink) Deliver(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingSink) all() []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Notification(nil), r.got...)
}

func TestDispatcher_Levels(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink)
	ctx := context.Background()

	d.Success(ctx, "u_1", "Pagamento liberado", "ok", map[string]any{"escrowId": "esc_1"})
	d.Error(ctx, "u_2", "Pagamento não aprovado", "declined", nil)

	got := sink.all()
	require.Len(t, got, 2)
	assert.Equal(t, LevelSuccess, got[0].Level)
	assert.Equal(t, "u_1", got[0].UserID)
	assert.Equal(t, "esc_1", got[0].Data["escrowId"])
	assert.Contains(t, got[0].ID, "ntf_")
	assert.False(t, got[0].CreatedAt.IsZero())
	assert.Equal(t, LevelError, got[1].Level)
}

func TestDispatcher_SkipsAnonymous(t *testing.T) {
	sink := &recordingSink{}
	NewDispatcher(sink).Success(context.Background(), "", "t", "b", nil)
	assert.Empty(t, sink.all())
}

func TestDispatcher_CountsFailures(t *testing.T) {
	before := promtestutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("error", "failed"))
	sink := &recordingSink{err: errors.New("boom")}
	NewDispatcher(sink).Error(context.Background(), "u_1", "t", "b", nil)
	after := promtestutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("error", "failed"))
	assert.Equal(t, before+1, after)
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("down")}
	c := &recordingSink{}
	err := Multi{a, b, c}.Deliver(context.Background(), &Notification{UserID: "u_1"})
	assert.EqualError(t, err, "down")
	assert.Len(t, a.all(), 1)
	assert.Len(t, c.all(), 1)

	assert.NoError(t, Multi{a, Nop{}}.Deliver(context.Background(), &Notification{UserID: "u_1"}))
}

func TestNewDispatcher_NilSink(t *testing.T) {
	assert.NotPanics(t, func() {
		NewDispatcher(nil).Success(context.Background(), "u_1", "t", "b", nil)
	})
}
