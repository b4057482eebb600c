// Package repo holds the Postgres-backed persistence for commands, batches,
// audit trails, and processes. Every method accepts a pgqueue.Querier so it
// can run standalone or joined into a caller-managed transaction alongside
// queue writes, keeping the submit/receive/finish paths atomic.
package repo
