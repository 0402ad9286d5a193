// Package taskd provides a generic in-process background task manager with
// bounded concurrency, retry with exponential backoff and jitter, failure
// classification, and per-key single flight.
//
// # Execution model
//
// A Manager owns a buffered job queue and a fixed pool of workers. Schedule
// enqueues a job and returns immediately with a Handle; callers never block
// on job completion. Each job kind is bound to an ActionFunc through an
// explicit registry populated before Start.
//
// # Retry policy
//
// A failed attempt is retried with delay base × 2^(attempt-1), capped at a
// maximum, with a random jitter fraction applied to spread synchronized
// retries. Errors wrapped with Permanent abandon the job without retry.
// After the configured maximum attempts the job is abandoned and the
// OnAbandoned callback fires with ErrRetriesExhausted; abandonment is never
// silent.
//
// # Cancellation and exclusivity
//
// Handle.Cancel marks a job cancelled; the worker checks the flag before
// starting an attempt and skips execution, so an attempt is never
// interrupted mid-write. Jobs carrying the same Key execute at most one at
// a time: a colliding job is requeued with a short delay instead of running
// concurrently.
//
// Jobs live only in process memory. A crash drops queued and in-flight
// jobs; callers relying on the manager must make their actions idempotent.
package taskd
