// Package logging assembles structured slog loggers and formatting helpers used
// across nodekeeper.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes helpers that tag log lines with component names, node
// session identifiers, and IPC client identifiers. The package also provides a
// no-op logger for tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so new components emit
// records with the same shape as the rest of the daemon.
package logging
