// Package progress turns crawl lifecycle events into batched progress records.
// Attach bridges the engine's lifecycle bus into a Hub, which buffers events
// without blocking the crawl and fans batches out to pluggable sinks such as
// logs, Prometheus or Postgres.
package progress
