// Package pgqueue is a thin wrapper over a Postgres-native message queue:
// one "live" table and one "archive" table per named queue, plus
// LISTEN/NOTIFY wake-ups. It intentionally exposes only a small operation
// set (create, enqueue, enqueue batch, notify, read, read-with-poll,
// delete, archive, set-visibility) so higher components can join them with
// metadata writes inside one externally-managed transaction.
package pgqueue
