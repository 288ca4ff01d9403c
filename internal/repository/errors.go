package repository

import "errors"

// ErrNotFound is returned when no row matches the given key. Services map
// it to apperr.KindNotFound at their boundary.
var ErrNotFound = errors.New("repository: not found")
