// Package worker implements the bounded-concurrency dispatch engine that
// reads a domain's command queue, invokes the registered handler, and
// writes back the classified outcome: COMPLETED, FAILED (business rule),
// IN_TROUBLESHOOTING_QUEUE (permanent or exhausted retries), or a deferred
// retry. A Watchdog tracks consecutive failures, stuck dispatch slots, and
// pool exhaustion to report HEALTHY/DEGRADED/CRITICAL.
package worker
