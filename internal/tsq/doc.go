// Package tsq implements the operator-facing troubleshooting queue: listing
// commands that exhausted retries or hit a permanent error, and the three
// resolutions that release them — retry (re-enqueue from the archived
// payload), cancel, and complete.
package tsq
