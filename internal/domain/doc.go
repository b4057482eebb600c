// Package domain holds the plain data types shared by every command-bus
// component: Command, Batch, Process, their status enums, and the wire
// envelopes exchanged over the queue. It has no dependency on pgx, the
// queue adapter, or any repository — other packages depend on domain, never
// the reverse.
package domain
