// Package progress provides the lifecycle event primitives and the
// non-blocking Hub that the job registry uses to report state transitions.
// The Hub batches events on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics, structured logs, or the
// Postgres run history.
package progress
