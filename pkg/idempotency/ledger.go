// Package idempotency turns at-least-once event delivery into at-most-once
// effect.
//
// Each handled event leaves a marker at "processed:<event-id>" that lives as
// long as the sender may redeliver (72h by default). The marker is written
// before the business effect runs, so a redelivery arriving while the first
// attempt is still in flight is already seen as a duplicate. If the effect
// fails for infrastructure reasons the marker is removed again and the
// sender is asked to retry; if it fails for business reasons the marker
// stays and the event counts as seen.
//
// The two checks fail in opposite directions on purpose. IsProcessed treats
// an unreachable store as "already processed" so an outage cannot cause
// double billing. MarkProcessed returns its error so the caller answers with
// a retryable status instead of treating an unrecorded event as done.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manenim/keyword-coord/pkg/clock"
	"github.com/manenim/keyword-coord/pkg/metrics"
	"github.com/manenim/keyword-coord/pkg/store"
)

const DefaultTTL = 72 * time.Hour

var ErrEmptyEventID = errors.New("idempotency: empty event id")

// Key returns the marker key for eventID.
func Key(eventID string) string {
	return "processed:" + eventID
}

type marker struct {
	MarkedAt time.Time `json:"marked_at"`
}

// Ledger records which events have been handled.
type Ledger struct {
	store    store.Store
	ttl      time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	recorder metrics.Recorder
}

type Option func(*Ledger)

// WithTTL sets how long markers are kept; use the sender's maximum
// redelivery window.
func WithTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.ttl = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(l *Ledger) { l.recorder = metrics.OrNoOp(rec) }
}

func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    s,
		ttl:      DefaultTTL,
		clock:    clock.Real{},
		logger:   slog.Default(),
		recorder: metrics.NoOp{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsProcessed reports whether eventID has a marker. When the store cannot
// answer it returns true together with the error.
func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	_, found, err := l.store.Get(ctx, Key(eventID))
	if err != nil {
		l.logger.Warn("idempotency: check failed, treating event as processed", "event_id", eventID, "error", err)
		return true, fmt.Errorf("idempotency: check %q: %w", eventID, err)
	}
	return found, nil
}

// MarkProcessed writes the marker for eventID. marked is false when a marker
// already existed, meaning a concurrent delivery claimed the event first.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	data, err := json.Marshal(marker{MarkedAt: l.clock.Now()})
	if err != nil {
		return false, err
	}
	marked, err := l.store.SetIfAbsent(ctx, Key(eventID), data, l.ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency: mark %q: %w", eventID, err)
	}
	return marked, nil
}

// Unmark removes the marker so a redelivery is processed again.
func (l *Ledger) Unmark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrEmptyEventID
	}
	if err := l.store.Delete(ctx, Key(eventID)); err != nil {
		return fmt.Errorf("idempotency: unmark %q: %w", eventID, err)
	}
	return nil
}

// Handler applies the business effect of one event.
type Handler func(ctx context.Context) error

// Process runs h at most once per eventID across all deliveries and reports
// which way the event went. It never returns a bare error: failures are part
// of the Outcome.
func (l *Ledger) Process(ctx context.Context, eventID string, h Handler) Outcome {
	out := l.process(ctx, eventID, h)
	l.recorder.Add("idempotency.outcome", 1, map[string]string{"state": out.State.String()})
	return out
}

func (l *Ledger) process(ctx context.Context, eventID string, h Handler) Outcome {
	out := Outcome{EventID: eventID}

	processed, err := l.IsProcessed(ctx, eventID)
	if errors.Is(err, ErrEmptyEventID) {
		out.State, out.Err = StateRejected, err
		return out
	}
	if processed {
		out.State, out.Err = StateDuplicate, err
		return out
	}

	marked, err := l.MarkProcessed(ctx, eventID)
	if err != nil {
		out.State, out.Err = StateRetryable, err
		return out
	}
	if !marked {
		out.State = StateDuplicate
		return out
	}

	herr := h(ctx)
	switch {
	case herr == nil:
		out.State = StateCommitted
	case IsBusiness(herr):
		l.logger.Warn("idempotency: event failed on business rules, not retrying",
			"event_id", eventID, "error", herr)
		out.State, out.Err = StateBusinessFailure, herr
	default:
		out.State, out.Err = StateRetryable, herr
		if err := l.Unmark(context.WithoutCancel(ctx), eventID); err != nil {
			// The marker stays until its TTL, so the redelivery the caller
			// is about to ask for will be dropped as a duplicate.
			l.logger.Error("idempotency: unmark after failure did not succeed",
				"event_id", eventID, "handler_error", herr, "error", err)
			out.Err = errors.Join(herr, err)
		}
	}
	return out
}
