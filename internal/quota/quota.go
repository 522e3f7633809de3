// Package quota implements per-tenant admission control.
//
// Each tenant carries one token bucket per rate dimension (events/sec,
// bytes/sec) plus a storage-bytes gauge checked against a hard cap. Buckets
// refill on the clock and are maintained with atomic counters only, so
// admission never takes a lock on the hot path. Admission runs before any
// WAL write; a rejection leaves no state mutated anywhere.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strom-io/strom/internal/config"
	"github.com/strom-io/strom/internal/tenant"
)

// ErrExceeded matches any quota rejection via errors.Is.
var ErrExceeded = errors.New("quota: limit exceeded")

// Error is a quota rejection carrying the exhausted dimension and a refill
// hint. RetryAfter zero means the rejection is not time-recoverable (storage
// cap reached, or a single request larger than the burst).
type Error struct {
	Tenant     string
	Dimension  string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("quota: tenant %q over %s limit, retry after %s", e.Tenant, e.Dimension, e.RetryAfter)
	}
	return fmt.Sprintf("quota: tenant %q over %s limit", e.Tenant, e.Dimension)
}

func (e *Error) Is(target error) bool { return target == ErrExceeded }

// micro-tokens give fractional refill at coarse tick resolution
const micro = 1_000_000

type bucket struct {
	rate       float64 // tokens per second
	burstMicro int64
	tokens     atomic.Int64
	lastRefill atomic.Int64 // unix nanos
}

func newBucket(rate, burst float64, now int64) *bucket {
	b := &bucket{rate: rate, burstMicro: int64(burst * micro)}
	b.tokens.Store(b.burstMicro)
	b.lastRefill.Store(now)
	return b
}

func (b *bucket) refill(now int64) {
	last := b.lastRefill.Load()
	elapsed := now - last
	if elapsed <= 0 {
		return
	}
	add := int64(b.rate * float64(elapsed) / float64(time.Second) * micro)
	if add <= 0 {
		return
	}
	if !b.lastRefill.CompareAndSwap(last, now) {
		return // lost the race; the winner accounted this interval
	}
	for {
		cur := b.tokens.Load()
		next := cur + add
		if next > b.burstMicro {
			next = b.burstMicro
		}
		if b.tokens.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (b *bucket) take(n int64) bool {
	for {
		cur := b.tokens.Load()
		if cur < n {
			return false
		}
		if b.tokens.CompareAndSwap(cur, cur-n) {
			return true
		}
	}
}

func (b *bucket) giveBack(n int64) {
	for {
		cur := b.tokens.Load()
		next := cur + n
		if next > b.burstMicro {
			next = b.burstMicro
		}
		if b.tokens.CompareAndSwap(cur, next) {
			return
		}
	}
}

// retryAfter estimates how long until n tokens are available. Returns zero
// when n can never fit in the bucket.
func (b *bucket) retryAfter(n int64) time.Duration {
	if n > b.burstMicro || b.rate <= 0 {
		return 0
	}
	deficit := n - b.tokens.Load()
	if deficit <= 0 {
		return time.Millisecond
	}
	return time.Duration(float64(deficit) / micro / b.rate * float64(time.Second))
}

type state struct {
	events      *bucket
	bytes       *bucket
	maxStorage  int64
	storageUsed atomic.Int64
}

// Enforcer admits or rejects writes per tenant.
type Enforcer struct {
	defaults config.QuotaDefaults
	now      func() int64 // unix nanos; swappable in tests

	mu      sync.RWMutex
	tenants map[string]*state
}

// NewEnforcer creates an enforcer using defaults for tenant limits left zero.
func NewEnforcer(defaults config.QuotaDefaults) *Enforcer {
	return &Enforcer{
		defaults: defaults,
		now:      func() int64 { return time.Now().UnixNano() },
		tenants:  map[string]*state{},
	}
}

func (e *Enforcer) stateFor(m tenant.Meta) *state {
	e.mu.RLock()
	st, ok := e.tenants[m.Name]
	e.mu.RUnlock()
	if ok {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.tenants[m.Name]; ok {
		return st
	}
	st = e.newState(m)
	e.tenants[m.Name] = st
	return st
}

func (e *Enforcer) newState(m tenant.Meta) *state {
	evRate, evBurst := orDefault(m.EventsPerSec, e.defaults.EventsPerSec), orDefault(m.BurstEvents, e.defaults.BurstEvents)
	byRate, byBurst := orDefault(m.BytesPerSec, e.defaults.BytesPerSec), orDefault(m.BurstBytes, e.defaults.BurstBytes)
	maxStorage := m.MaxStorageBytes
	if maxStorage == 0 {
		maxStorage = e.defaults.MaxStorageBytes
	}
	now := e.now()
	return &state{
		events:     newBucket(evRate, evBurst, now),
		bytes:      newBucket(byRate, byBurst, now),
		maxStorage: maxStorage,
	}
}

// Reconfigure rebuilds the tenant's rate buckets from m so changed limits
// take effect without a restart. The storage gauge carries over.
func (e *Enforcer) Reconfigure(m tenant.Meta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old, ok := e.tenants[m.Name]
	if !ok {
		return
	}
	st := e.newState(m)
	st.storageUsed.Store(old.storageUsed.Load())
	e.tenants[m.Name] = st
}

func orDefault(v, d float64) float64 {
	if v > 0 {
		return v
	}
	return d
}

// Admit charges one write of events records and payloadBytes bytes against
// the tenant's quotas. It runs before any WAL write. On rejection or
// cancellation nothing stays charged. When the configured MaxWait allows, a
// rate rejection waits for refill instead of failing; the wait honors ctx.
func (e *Enforcer) Admit(ctx context.Context, m tenant.Meta, events int, payloadBytes int) error {
	st := e.stateFor(m)

	if st.maxStorage > 0 && st.storageUsed.Load()+int64(payloadBytes) > st.maxStorage {
		return &Error{Tenant: m.Name, Dimension: "storage"}
	}

	evCost := int64(events) * micro
	byCost := int64(payloadBytes) * micro
	deadline := time.Time{}
	if w := e.defaults.MaxWait(); w > 0 {
		deadline = time.Now().Add(w)
	}

	for {
		now := e.now()
		st.events.refill(now)
		st.bytes.refill(now)

		dim, wait := "", time.Duration(0)
		if !st.events.take(evCost) {
			dim, wait = "events", st.events.retryAfter(evCost)
		} else if !st.bytes.take(byCost) {
			st.events.giveBack(evCost)
			dim, wait = "bytes", st.bytes.retryAfter(byCost)
		} else {
			return nil
		}

		if wait <= 0 {
			return &Error{Tenant: m.Name, Dimension: dim}
		}
		if deadline.IsZero() || time.Now().Add(wait).After(deadline) {
			return &Error{Tenant: m.Name, Dimension: dim, RetryAfter: wait}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddStorage records payload bytes committed for the tenant. Usage only
// grows here; resets are an explicit administrative action outside the core.
func (e *Enforcer) AddStorage(tenantName string, n int64) {
	e.mu.RLock()
	st, ok := e.tenants[tenantName]
	e.mu.RUnlock()
	if ok {
		st.storageUsed.Add(n)
	}
}

// SeedStorage sets the tenant's storage usage during recovery.
func (e *Enforcer) SeedStorage(m tenant.Meta, n int64) {
	e.stateFor(m).storageUsed.Store(n)
}

// Usage returns the tenant's tracked storage bytes.
func (e *Enforcer) Usage(tenantName string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if st, ok := e.tenants[tenantName]; ok {
		return st.storageUsed.Load()
	}
	return 0
}
