// Package logging wraps log/slog with the handlers and field conventions used
// across the daemon: a human-oriented console handler, a JSON handler for
// machine ingestion, helpers for standardized attributes, and context-derived
// fields so every record carries the job and stage it belongs to.
package logging
