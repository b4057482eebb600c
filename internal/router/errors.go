package router

import "errors"

// ErrUnknownProcessType is returned by ManagerRegistry.Get when no manager
// is registered for a process_type, and by StartProcess for the same reason.
var ErrUnknownProcessType = errors.New("router: unknown process type")

// ErrRouterStopped is returned by StartProcess once the router has been
// asked to stop.
var ErrRouterStopped = errors.New("router: stopped")
