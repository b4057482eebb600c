package repo

import "errors"

// ErrNotFound is returned when a lookup by primary key matches no row.
var ErrNotFound = errors.New("repo: not found")

// ErrAlreadyExists names a primary-key or unique-constraint conflict. No
// method in this package returns it; the Save methods return the driver's
// error wrapped instead.
var ErrAlreadyExists = errors.New("repo: already exists")
