// Package main hosts the job tracker entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job commands and run history. Commands go to the
//     controller, which owns the registry, the update channel and the recovery manager.
//   - Update channel: progress arrives either by polling the backend in batches or over a WebSocket push
//     connection. Both transports back off exponentially and stop while the host is offline or hidden.
//   - Recovery: failures are classified into network, timeout, rate limit, auth and unknown categories, each
//     with its own retry delay, budget and backoff. Automatic retries count down once a second.
//   - Persistence: the active job handle and a registry snapshot are written to memory, a local directory,
//     SQLite or GCS. Run history goes to Postgres when a DSN is configured.
//   - Fanout: lifecycle events are batched by the progress hub into log, Prometheus and store sinks; terminal
//     transitions are published to Pub/Sub.
//
// Quick checklist:
//   - Configure env vars with the TRACKER_ prefix, for example TRACKER_BACKEND_BASE_URL,
//     TRACKER_CHANNEL_MODE=push and TRACKER_CHANNEL_PUSH_URL, TRACKER_PERSISTENCE_BACKEND=sqlite.
//   - Run the API: go run ./cmd/jobtracker serve --config config.yaml
//   - Follow one job from a terminal: go run ./cmd/jobtracker start https://example.com --max-results 50
package main
