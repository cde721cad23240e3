// Package dispatch implements the asynchronous notification engine. A
// web handler submits a job (one message, one channel, many recipients)
// and immediately gets back a task id; a single background worker pulls
// jobs from a bounded queue, applies the time-of-day recipient policy,
// drives the channel sender one recipient at a time and tracks live
// progress in an in-memory registry. Terminal tasks are written to
// durable history and evicted from the registry, so callers poll status
// while a job runs and read history afterwards.
package dispatch
