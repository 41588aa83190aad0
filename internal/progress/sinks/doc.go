// Package sinks holds the progress.Sink implementations: structured logs,
// Prometheus collectors and a repository-backed store.
package sinks
