package serverrun

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cfgpkg "github.com/strom-io/strom/internal/config"
	"github.com/strom-io/strom/internal/runtime"
	logpkg "github.com/strom-io/strom/pkg/log"
)

// Options for running the server.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
}

// Run opens the runtime and blocks until ctx is cancelled or a termination
// signal arrives, then shuts down cleanly.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers that
	// pass a plain context still get signal-driven shutdown.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNop()
	}

	rt, err := runtime.Open(runtime.Options{Config: opts.Config, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.CheckHealth(sctx); err != nil {
		logger.Warn("starting degraded", logpkg.Err(err))
	}
	logger.Info("strom server started",
		logpkg.Str("dataDir", opts.Config.DataDir),
		logpkg.Uint32("partitions", opts.Config.Partitions),
		logpkg.Str("walSync", opts.Config.WAL.SyncMode),
	)

	<-sctx.Done()
	logger.Info("shutting down")
	return nil
}
