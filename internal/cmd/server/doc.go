// Package serverrun hosts the long-running server entrypoint used by the
// strom CLI.
package serverrun
