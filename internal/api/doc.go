// Package api hosts the status server for a running crawl:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/crawl for live runner stats; POST /v1/crawl/stop to end the run.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/sites for
//     progress recorded through a store.ProgressRepository.
package api
