// Package tenant manages tenant metadata and per-tenant limits.
package tenant

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/strom-io/strom/internal/config"
	"github.com/strom-io/strom/internal/event"
	pebblestore "github.com/strom-io/strom/internal/storage/pebble"
)

// Meta holds tenant metadata and quota limits. Zero limit values fall back to
// the configured defaults at enforcement time; MaxStorageBytes zero means
// unlimited.
type Meta struct {
	Name            string  `json:"name"`
	CreatedAtMs     int64   `json:"createdAtMs"`
	EventsPerSec    float64 `json:"eventsPerSec"`
	BurstEvents     float64 `json:"burstEvents"`
	BytesPerSec     float64 `json:"bytesPerSec"`
	BurstBytes      float64 `json:"burstBytes"`
	MaxStorageBytes int64   `json:"maxStorageBytes"`
	PayloadMaxBytes int     `json:"payloadMaxBytes"`
}

// ErrUnknownTenant is returned by Get for absent tenants.
var ErrUnknownTenant = errors.New("tenant: unknown tenant")

// ErrInvalidName rejects names that would escape the tenant keyspace prefix.
var ErrInvalidName = errors.New("tenant: invalid name")

var metaPrefix = []byte("tenant/")

func metaKey(name string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(name))
	k = append(k, metaPrefix...)
	k = append(k, name...)
	return k
}

// Registry persists tenant records in the shared Pebble keyspace.
type Registry struct {
	db       *pebblestore.DB
	defaults config.QuotaDefaults
}

// NewRegistry creates a registry backed by db, using defaults for new tenants.
func NewRegistry(db *pebblestore.DB, defaults config.QuotaDefaults) *Registry {
	return &Registry{db: db, defaults: defaults}
}

// Ensure creates the tenant record if absent and returns the effective meta.
// Idempotent: an existing record is returned unchanged.
func (r *Registry) Ensure(name string) (Meta, error) {
	if !event.ValidIdent(name) {
		return Meta{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if b, err := r.db.Get(metaKey(name)); err == nil && len(b) > 0 {
		var m Meta
		if err := json.Unmarshal(b, &m); err == nil {
			return m, nil
		}
		// fallthrough to rewrite on unreadable meta
	}
	m := Meta{
		Name:            name,
		CreatedAtMs:     time.Now().UnixMilli(),
		EventsPerSec:    r.defaults.EventsPerSec,
		BurstEvents:     r.defaults.BurstEvents,
		BytesPerSec:     r.defaults.BytesPerSec,
		BurstBytes:      r.defaults.BurstBytes,
		MaxStorageBytes: r.defaults.MaxStorageBytes,
	}
	if err := r.put(m); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Get returns the tenant record or ErrUnknownTenant.
func (r *Registry) Get(name string) (Meta, error) {
	b, err := r.db.Get(metaKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Meta{}, ErrUnknownTenant
	}
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("tenant: decode meta for %q: %w", name, err)
	}
	return m, nil
}

// SetLimits overwrites a tenant's limits. This is the administrative path;
// the ingestion hot path never mutates tenant records.
func (r *Registry) SetLimits(m Meta) error {
	if !event.ValidIdent(m.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, m.Name)
	}
	existing, err := r.Get(m.Name)
	if err == nil {
		m.CreatedAtMs = existing.CreatedAtMs
	} else if m.CreatedAtMs == 0 {
		m.CreatedAtMs = time.Now().UnixMilli()
	}
	return r.put(m)
}

// List returns all tenant names.
func (r *Registry) List() ([]string, error) {
	hi := append(append([]byte{}, metaPrefix...), 0xFF)
	it, err := r.db.NewIter(&pebble.IterOptions{LowerBound: metaPrefix, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	var out []string
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		if len(k) > len(metaPrefix) {
			out = append(out, string(k[len(metaPrefix):]))
		}
	}
	return out, nil
}

func (r *Registry) put(m Meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.db.Set(metaKey(m.Name), b)
}
