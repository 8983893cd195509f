// Package ledger tracks cumulative spend per (principal, asset) pair.
//
// Flow:
//  1. Policy evaluation reserves quota before the transaction is approved
//  2. The orchestrator commits the reservation on APPROVED
//  3. On BLOCKED (or a crashed pipeline) the reservation is released,
//     explicitly or by lease expiry
//
// Reservations are the atomic unit: two concurrent reservations against the
// same key cannot both be granted if their combined amount would exceed the
// limit. Locking is per-key so unrelated principals never serialize.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agentshield/internal/idgen"
	"github.com/mbd888/agentshield/internal/metrics"
	"github.com/mbd888/agentshield/internal/syncutil"
)

var (
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	ErrInvalidLimit  = errors.New("ledger: invalid limit")
	ErrInvalidWindow = errors.New("ledger: invalid window")
	ErrLeaseExpired  = errors.New("ledger: reservation lease expired")
	ErrNotGranted    = errors.New("ledger: reservation was not granted")
)

const (
	// DefaultLease bounds how long an uncommitted reservation holds quota.
	DefaultLease = 30 * time.Second
	// DefaultIdleEvict is how many idle windows a record survives before Sweep drops it.
	DefaultIdleEvict = 3
)

// Reservation is a handle to provisionally allocated quota. Commit and
// Release are idempotent; a reservation that sees neither is reclaimed
// lazily once its lease expires.
type Reservation struct {
	ID        string
	Granted   bool
	Amount    *big.Int
	ExpiresAt time.Time

	key       string
	committed bool
}

// pending is the ledger-side record of a live reservation.
type pending struct {
	amount    *big.Int
	expiresAt time.Time
}

// record accumulates spend for one (principal, asset) key.
type record struct {
	windowStart time.Time
	window      time.Duration
	committed   *big.Int
	pending     map[string]*pending
	lastTouch   time.Time
}

// Ledger is the shared spend accounting structure. All access to a key's
// record happens under that key's lock; the records map itself is guarded
// by mu only for lookup/insert/evict.
type Ledger struct {
	locks *syncutil.ContextShardedMutex
	lease time.Duration

	mu      sync.RWMutex
	records map[string]*record

	now func() time.Time // injectable clock for tests
}

// New creates a ledger with the given reservation lease duration.
func New(lease time.Duration) *Ledger {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Ledger{
		locks:   syncutil.NewContextShardedMutex(),
		lease:   lease,
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// WithClock overrides the ledger's clock. For tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Key builds the canonical ledger key for a principal/asset pair.
func Key(principal, asset string) string {
	return strings.ToLower(principal) + "|" + strings.ToLower(asset)
}

// Reserve provisionally allocates amount against the key's windowed limit.
// Returns a handle with Granted=false (and no quota held) when the
// reservation would push cumulative spend past the limit.
//
// The per-key lock is held only for the in-memory bookkeeping below; callers
// must never invoke Reserve while holding external locks across slow calls.
func (l *Ledger) Reserve(ctx context.Context, principal, asset string, amount, limit *big.Int, window time.Duration) (*Reservation, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if limit == nil || limit.Sign() < 0 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}

	key := Key(principal, asset)
	unlock, err := l.locks.LockContext(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := l.now()
	rec := l.getRecord(key, now, window)
	l.reclaimExpired(rec, now)
	l.rollover(rec, now)
	rec.lastTouch = now

	// committed + live pending + requested must stay at or under the limit.
	total := new(big.Int).Set(rec.committed)
	for _, p := range rec.pending {
		total.Add(total, p.amount)
	}
	total.Add(total, amount)

	if total.Cmp(limit) > 0 {
		metrics.LedgerReservationsTotal.WithLabelValues("denied").Inc()
		return &Reservation{ID: idgen.WithPrefix("rsv_"), Granted: false, Amount: new(big.Int).Set(amount), key: key}, nil
	}

	rsv := &Reservation{
		ID:        idgen.WithPrefix("rsv_"),
		Granted:   true,
		Amount:    new(big.Int).Set(amount),
		ExpiresAt: now.Add(l.lease),
		key:       key,
	}
	rec.pending[rsv.ID] = &pending{amount: rsv.Amount, expiresAt: rsv.ExpiresAt}

	metrics.LedgerReservationsTotal.WithLabelValues("granted").Inc()
	metrics.LedgerActiveReservations.Inc()
	return rsv, nil
}

// Commit finalizes a granted reservation, folding its amount into the
// window's committed total. Idempotent: committing twice, or after Release,
// is a no-op. Committing after the lease expired returns ErrLeaseExpired —
// the quota was already reclaimed.
func (l *Ledger) Commit(ctx context.Context, rsv *Reservation) error {
	if rsv == nil || !rsv.Granted {
		return ErrNotGranted
	}

	unlock, err := l.locks.LockContext(ctx, rsv.key)
	if err != nil {
		return err
	}
	defer unlock()

	rec := l.lookup(rsv.key)
	if rec == nil {
		return ErrLeaseExpired
	}

	now := l.now()
	p, ok := rec.pending[rsv.ID]
	if !ok {
		// Already committed or released; nothing to do.
		return nil
	}
	if now.After(p.expiresAt) {
		delete(rec.pending, rsv.ID)
		metrics.LedgerActiveReservations.Dec()
		return ErrLeaseExpired
	}

	delete(rec.pending, rsv.ID)
	rec.committed.Add(rec.committed, p.amount)
	rec.lastTouch = now
	rsv.committed = true
	metrics.LedgerActiveReservations.Dec()
	return nil
}

// Refund reverses a committed reservation, subtracting its amount from the
// window's committed total. Used when a multi-reservation commit fails
// partway: spend must not stay counted for a decision that ends up blocked.
// Idempotent; a no-op on handles that never committed.
func (l *Ledger) Refund(ctx context.Context, rsv *Reservation) error {
	if rsv == nil || !rsv.Granted || !rsv.committed {
		return nil
	}

	unlock, err := l.locks.LockContext(ctx, rsv.key)
	if err != nil {
		return err
	}
	defer unlock()

	rsv.committed = false
	rec := l.lookup(rsv.key)
	if rec == nil {
		return nil
	}
	rec.committed.Sub(rec.committed, rsv.Amount)
	if rec.committed.Sign() < 0 {
		// Window rolled over since the commit; nothing left to return.
		rec.committed.SetInt64(0)
	}
	rec.lastTouch = l.now()
	return nil
}

// Release returns a reservation's quota without spending it. Idempotent and
// safe on ungranted handles.
func (l *Ledger) Release(ctx context.Context, rsv *Reservation) error {
	if rsv == nil || !rsv.Granted {
		return nil
	}

	unlock, err := l.locks.LockContext(ctx, rsv.key)
	if err != nil {
		return err
	}
	defer unlock()

	rec := l.lookup(rsv.key)
	if rec == nil {
		return nil
	}
	if _, ok := rec.pending[rsv.ID]; ok {
		delete(rec.pending, rsv.ID)
		metrics.LedgerActiveReservations.Dec()
	}
	rec.lastTouch = l.now()
	return nil
}

// Cumulative returns the committed spend in the current window for a key.
// Expired leases are reclaimed and window rollover applied before reading.
func (l *Ledger) Cumulative(ctx context.Context, principal, asset string) (*big.Int, error) {
	key := Key(principal, asset)
	unlock, err := l.locks.LockContext(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec := l.lookup(key)
	if rec == nil {
		return new(big.Int), nil
	}
	now := l.now()
	l.reclaimExpired(rec, now)
	l.rollover(rec, now)
	return new(big.Int).Set(rec.committed), nil
}

// Sweep evicts records idle for more than idleWindows window durations.
// Returns the number evicted. Correctness never depends on sweeping; this
// only bounds memory for long-running processes.
func (l *Ledger) Sweep(idleWindows int) int {
	if idleWindows <= 0 {
		idleWindows = DefaultIdleEvict
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, rec := range l.records {
		if len(rec.pending) > 0 {
			continue
		}
		if now.Sub(rec.lastTouch) > time.Duration(idleWindows)*rec.window {
			delete(l.records, key)
			evicted++
		}
	}
	return evicted
}

// getRecord returns the record for key, creating it lazily. Caller holds the
// key lock; the records map mutation needs mu as Sweep runs without key locks.
func (l *Ledger) getRecord(key string, now time.Time, window time.Duration) *record {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		rec = &record{
			windowStart: now,
			window:      window,
			committed:   new(big.Int),
			pending:     make(map[string]*pending),
			lastTouch:   now,
		}
		l.records[key] = rec
	} else {
		// A reconfigured window takes effect on next rollover check.
		rec.window = window
	}
	return rec
}

func (l *Ledger) lookup(key string) *record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[key]
}

// reclaimExpired drops pending reservations whose lease lapsed.
// Caller holds the key lock.
func (l *Ledger) reclaimExpired(rec *record, now time.Time) {
	for id, p := range rec.pending {
		if now.After(p.expiresAt) {
			delete(rec.pending, id)
			metrics.LedgerActiveReservations.Dec()
		}
	}
}

// rollover resets the fixed window when it has elapsed. Live pending
// reservations carry over — they still hold quota until committed, released,
// or expired. Caller holds the key lock.
func (l *Ledger) rollover(rec *record, now time.Time) {
	if rec.window <= 0 {
		return
	}
	if now.Sub(rec.windowStart) >= rec.window {
		rec.windowStart = now
		rec.committed = new(big.Int)
	}
}
