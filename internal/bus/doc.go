// Package bus implements CommandBus, the main entry point for submitting
// commands and batches and inspecting their lifecycle: idempotent submit,
// chunked batch submit, and read-side audit/query helpers, all wired
// through pgqueue and repo.
package bus
