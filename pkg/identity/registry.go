// Package identity implements get-or-create for per-identity records,
// creating at most one record per identity under concurrent first contact.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/manenim/keyword-coord/pkg/clock"
	"github.com/manenim/keyword-coord/pkg/lock"
	"github.com/manenim/keyword-coord/pkg/metrics"
	"github.com/manenim/keyword-coord/pkg/store"
)

var (
	ErrNotFound      = errors.New("identity: record not found")
	ErrIndexConflict = errors.New("identity: index value belongs to another record")
	ErrInvalidID     = errors.New("identity: invalid id")

	errNotYet = errors.New("identity: record not created yet")
)

// Registry owns the "entity:" keyspace.
type Registry struct {
	store        store.Store
	locks        *lock.Locker
	clock        clock.Clock
	logger       *slog.Logger
	recorder     metrics.Recorder
	waitBudget   time.Duration
	pollInterval time.Duration
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Registry) { r.recorder = metrics.OrNoOp(rec) }
}

// WithWait sets how long a caller that lost the creation race polls for the
// winner's record (default 3s) and the first poll interval (default 25ms).
func WithWait(budget, interval time.Duration) Option {
	return func(r *Registry) {
		if budget > 0 {
			r.waitBudget = budget
		}
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

func New(s store.Store, locks *lock.Locker, opts ...Option) *Registry {
	r := &Registry{
		store:        s,
		locks:        locks,
		clock:        clock.Real{},
		logger:       slog.Default(),
		recorder:     metrics.NoOp{},
		waitBudget:   3 * time.Second,
		pollInterval: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, ": \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// GetOrCreate returns the record for id, creating it from attrs if this is
// the identity's first contact. created reports whether this call wrote it.
//
// The common path is a single read. Otherwise the caller takes the identity
// lock, re-reads (another process may have finished while we were getting
// here) and only then writes. Callers that find the lock busy poll for the
// holder's record with backoff, and when the wait budget runs out make a
// last-resort create; record creation is a conditional set, so even that
// cannot overwrite a record written in the meantime.
//
// Store failures are returned, never papered over.
func (r *Registry) GetOrCreate(ctx context.Context, id string, attrs Attrs) (Record, bool, error) {
	if err := validID(id); err != nil {
		return Record{}, false, err
	}
	rec, found, err := r.read(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	if found {
		r.recorder.Add("identity.get_or_create", 1, map[string]string{"path": "fast"})
		return rec, false, nil
	}

	token, err := r.locks.Acquire(ctx, id)
	switch {
	case err == nil:
		defer r.release(ctx, id, token)
		rec, found, err := r.read(ctx, id)
		if err != nil {
			return Record{}, false, err
		}
		if found {
			r.recorder.Add("identity.get_or_create", 1, map[string]string{"path": "double_check"})
			return rec, false, nil
		}
		r.recorder.Add("identity.get_or_create", 1, map[string]string{"path": "create"})
		return r.create(ctx, id, attrs)
	case errors.Is(err, lock.ErrBusy):
		return r.awaitCreator(ctx, id, attrs)
	default:
		return Record{}, false, err
	}
}

func (r *Registry) release(ctx context.Context, id string, token lock.Token) {
	if err := r.locks.Release(context.WithoutCancel(ctx), id, token); err != nil {
		r.logger.Warn("identity: lock release failed", "id", id, "error", err)
	}
}

func (r *Registry) awaitCreator(ctx context.Context, id string, attrs Attrs) (Record, bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.pollInterval
	b.MaxInterval = 250 * time.Millisecond

	rec, err := backoff.Retry(ctx, func() (Record, error) {
		rec, found, err := r.read(ctx, id)
		if err != nil {
			return Record{}, backoff.Permanent(err)
		}
		if !found {
			return Record{}, errNotYet
		}
		return rec, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(r.waitBudget))

	switch {
	case err == nil:
		r.recorder.Add("identity.get_or_create", 1, map[string]string{"path": "awaited"})
		return rec, false, nil
	case errors.Is(err, errNotYet):
		r.logger.Warn("identity: creator did not finish in time, creating without lock",
			"id", id, "wait", r.waitBudget)
		r.recorder.Add("identity.get_or_create", 1, map[string]string{"path": "last_resort"})
		return r.create(ctx, id, attrs)
	default:
		return Record{}, false, err
	}
}

// create writes the index keys, then the record. Index keys are claimed
// first so that a record is never visible without them; if the record
// write fails the claimed index keys are deleted again.
func (r *Registry) create(ctx context.Context, id string, attrs Attrs) (Record, bool, error) {
	rec := newRecord(id, attrs, r.clock.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("identity: encode %q: %w", id, err)
	}

	claimed, err := r.claimIndexes(ctx, id, rec.indexKeys())
	if err != nil {
		r.compensate(ctx, id, claimed)
		return Record{}, false, err
	}

	ok, err := r.store.SetIfAbsent(ctx, recordKey(id), data, 0)
	if err != nil {
		r.compensate(ctx, id, claimed)
		return Record{}, false, fmt.Errorf("identity: create %q: %w", id, err)
	}
	if !ok {
		// Someone created the record without holding our lock, which only
		// happens on the last-resort path or after a lock expired.
		existing, found, err := r.read(ctx, id)
		if err != nil {
			return Record{}, false, err
		}
		if !found {
			return Record{}, false, fmt.Errorf("identity: record %q vanished during create: %w", id, ErrNotFound)
		}
		r.compensate(ctx, id, without(claimed, existing.indexKeys()))
		return existing, false, nil
	}

	r.logger.Debug("identity: created record", "id", id, "tier", rec.Tier)
	return rec, true, nil
}

// claimIndexes points every key at id. A key already pointing at id is
// fine; a key pointing at a live owner is a conflict. A key whose owner
// neither holds its lock nor has a record referring to the key is left over
// from a crashed create or update, and is reclaimed. It returns the keys this
// call newly wrote.
func (r *Registry) claimIndexes(ctx context.Context, id string, keys []string) ([]string, error) {
	var claimed []string
	for _, key := range keys {
		for attempt := 0; ; attempt++ {
			ok, err := r.store.SetIfAbsent(ctx, key, []byte(id), 0)
			if err != nil {
				return claimed, fmt.Errorf("identity: claim index %q: %w", key, err)
			}
			if ok {
				claimed = append(claimed, key)
				break
			}
			owner, found, err := r.store.Get(ctx, key)
			if err != nil {
				return claimed, fmt.Errorf("identity: read index %q: %w", key, err)
			}
			if found && string(owner) == id {
				break
			}
			if attempt > 0 {
				return claimed, fmt.Errorf("%w: %s -> %s", ErrIndexConflict, key, owner)
			}
			if !found {
				// Removed between our two calls; try once more.
				continue
			}
			stale, err := r.staleIndex(ctx, key, string(owner))
			if err != nil {
				return claimed, err
			}
			if !stale {
				return claimed, fmt.Errorf("%w: %s -> %s", ErrIndexConflict, key, owner)
			}
			if _, err := r.store.DeleteIfEqual(ctx, key, owner); err != nil {
				return claimed, fmt.Errorf("identity: reclaim index %q: %w", key, err)
			}
			r.logger.Warn("identity: reclaimed stale index", "key", key, "stale_owner", string(owner), "id", id)
			r.recorder.Add("identity.index_reclaimed", 1, nil)
		}
	}
	return claimed, nil
}

// staleIndex reports whether key, pointing at owner, is an orphan. An owner
// holding its lock may be between writing the index and the record, so its
// keys are never considered stale.
func (r *Registry) staleIndex(ctx context.Context, key, owner string) (bool, error) {
	_, locked, err := r.store.Get(ctx, lock.Key(owner))
	if err != nil {
		return false, fmt.Errorf("identity: read lock of %q: %w", owner, err)
	}
	if locked {
		return false, nil
	}
	rec, found, err := r.read(ctx, owner)
	if err != nil {
		return false, err
	}
	return !found || !slices.Contains(rec.indexKeys(), key), nil
}

// compensate removes index keys written by a failed sequence, but only while
// they still point at id.
func (r *Registry) compensate(ctx context.Context, id string, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if _, err := r.store.DeleteIfEqual(ctx, key, []byte(id)); err != nil {
			r.logger.Error("identity: index compensation failed", "id", id, "key", key, "error", err)
		}
	}
}

// without returns a new slice holding the keys not in drop.
func without(keys, drop []string) []string {
	var out []string
	for _, k := range keys {
		if !slices.Contains(drop, k) {
			out = append(out, k)
		}
	}
	return out
}

func (r *Registry) read(ctx context.Context, id string) (Record, bool, error) {
	data, found, err := r.store.Get(ctx, recordKey(id))
	if err != nil {
		return Record{}, false, fmt.Errorf("identity: read %q: %w", id, err)
	}
	if !found {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("identity: decode %q: %w", id, err)
	}
	return rec, true, nil
}

// Get returns the record for id or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	if err := validID(id); err != nil {
		return Record{}, err
	}
	rec, found, err := r.read(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Lookup resolves a secondary index to its record.
func (r *Registry) Lookup(ctx context.Context, idx Index, value string) (Record, error) {
	key := indexKey(idx, value)
	id, found, err := r.store.Get(ctx, key)
	if err != nil {
		return Record{}, fmt.Errorf("identity: read index %q: %w", key, err)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	rec, found, err := r.read(ctx, string(id))
	if err != nil {
		return Record{}, err
	}
	if !found || !slices.Contains(rec.indexKeys(), key) {
		r.logger.Warn("identity: dangling index", "key", key, "id", string(id))
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Update applies mutate to the record for id under the identity lock and
// keeps the secondary indexes in step. ID and CreatedAt cannot be changed.
// An error from mutate aborts the update and is returned as is.
func (r *Registry) Update(ctx context.Context, id string, mutate func(*Record) error) (Record, error) {
	if err := validID(id); err != nil {
		return Record{}, err
	}
	var out Record
	err := r.locks.Do(ctx, id, func(ctx context.Context) error {
		before, found, err := r.read(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		rec := before
		if err := mutate(&rec); err != nil {
			return err
		}
		rec.ID = before.ID
		rec.CreatedAt = before.CreatedAt
		rec.Email = normalize(IndexEmail, rec.Email)
		rec.BillingCustomerID = strings.TrimSpace(rec.BillingCustomerID)
		rec.UpdatedAt = r.clock.Now()

		oldKeys, newKeys := before.indexKeys(), rec.indexKeys()
		claimed, err := r.claimIndexes(ctx, id, without(newKeys, oldKeys))
		if err != nil {
			r.compensate(ctx, id, claimed)
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			r.compensate(ctx, id, claimed)
			return fmt.Errorf("identity: encode %q: %w", id, err)
		}
		if err := r.store.Set(ctx, recordKey(id), data, 0); err != nil {
			r.compensate(ctx, id, claimed)
			return fmt.Errorf("identity: write %q: %w", id, err)
		}
		// Old index keys are dropped only after the record stopped referring
		// to them; a failure here leaves a dangling index, which Lookup
		// tolerates.
		r.compensate(ctx, id, without(oldKeys, newKeys))
		out = rec
		return nil
	})
	return out, err
}
