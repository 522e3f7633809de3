// Package config defines Strom's runtime configuration.
//
// Configuration resolves in three layers: built-in defaults, an optional JSON
// file, and STROM_* environment variable overlays (highest precedence).
// Validate catches impossible combinations before the runtime opens storage.
package config
