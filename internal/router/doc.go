// Package router implements the reply-routed process manager runtime: a
// Router drains a domain's reply queue and, for each reply, hands it to the
// ProcessManager registered for that process's type, which advances the
// saga to its next step or marks it complete.
package router
