// Package log provides Strom's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog, configured with either a text or JSON handler. This
// keeps output consistent across the codebase while letting callers stay
// against a narrow facade.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat(log.TextFormat),
//	)
//	l = l.With(log.Component("wal"), log.Str("partition", "p0003"))
//	l.Info("segment sealed", log.Uint64("seq", 12), log.Int("bytes", 1<<20))
//
// # Interop
//
// To integrate with libraries expecting *log.Logger (Pebble's event listener,
// for example), use RedirectStdLog.
package log
