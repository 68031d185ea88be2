// Package notify delivers user-facing success and error notifications
// produced by the escrow coordinator.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/contrata/internal/idgen"
	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/metrics"
)

// Level is the notification severity shown to the user.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is a single message addressed to one user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Level     Level          `json:"level"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Sink delivers notifications somewhere a user can see them.
type Sink interface {
	Deliver(ctx context.Context, n *Notification) error
}

// Dispatcher adapts a Sink to the coordinator's Success/Error notifier.
// Delivery failures are logged and counted, never returned.
type Dispatcher struct {
	sink Sink
	now  func() time.Time
}

// NewDispatcher creates a dispatcher writing to sink.
func NewDispatcher(sink Sink) *Dispatcher {
	if sink == nil {
		sink = Nop{}
	}
	return &Dispatcher{sink: sink, now: func() time.Time { return time.Now().UTC() }}
}

// Success notifies userID of a completed action.
func (d *Dispatcher) Success(ctx context.Context, userID, title, body string, data map[string]any) {
	d.dispatch(ctx, LevelSuccess, userID, title, body, data)
}

// Error notifies userID of a failure.
func (d *Dispatcher) Error(ctx context.Context, userID, title, body string, data map[string]any) {
	d.dispatch(ctx, LevelError, userID, title, body, data)
}

func (d *Dispatcher) dispatch(ctx context.Context, level Level, userID, title, body string, data map[string]any) {
	if userID == "" {
		return
	}
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Level:     level,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: d.now(),
	}
	if err := d.sink.Deliver(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(level), "failed").Inc()
		logging.L(ctx).Warn("notification delivery failed",
			"user_id", userID, "title", title, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(level), "delivered").Inc()
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Deliver(context.Context, *Notification) error { return nil }

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, n *Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to a logger. Used by the CLI when no
// Redis relay is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Deliver(_ context.Context, n *Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"user_id", n.UserID, "level", n.Level, "title", n.Title, "body", n.Body)
	return nil
}
