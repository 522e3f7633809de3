// Package runtime wires configuration, storage, and the engine for a
// single-node instance.
package runtime

import (
	"context"
	"errors"

	cfgpkg "github.com/strom-io/strom/internal/config"
	"github.com/strom-io/strom/internal/snapshot"
	"github.com/strom-io/strom/internal/store"
	"github.com/strom-io/strom/internal/tenant"
	logpkg "github.com/strom-io/strom/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	// Projection customizes state folding; nil uses snapshot.JSONMerge.
	Projection snapshot.Projection
	Logger     logpkg.Logger
}

// Runtime owns the engine and its configuration.
type Runtime struct {
	engine *store.Engine
	config cfgpkg.Config
}

// Open runs recovery and starts the engine's background pipelines.
func Open(opts Options) (*Runtime, error) {
	eng, err := store.Open(opts.Config, opts.Projection, opts.Logger)
	if err != nil {
		return nil, err
	}
	return &Runtime{engine: eng, config: opts.Config}, nil
}

// Close stops the engine.
func (r *Runtime) Close() error {
	if r.engine == nil {
		return nil
	}
	return r.engine.Close()
}

// CheckHealth reports whether the engine can serve all partitions.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.engine == nil {
		return errors.New("engine not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.engine.Health()
}

// EnsureTenant creates a tenant record if absent.
func (r *Runtime) EnsureTenant(name string) (tenant.Meta, error) {
	return r.engine.Tenants().Ensure(name)
}

// Engine exposes the store engine.
func (r *Runtime) Engine() *store.Engine { return r.engine }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
