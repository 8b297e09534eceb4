package store

import "errors"

// ErrNotFound is returned when a node, workspace, or task does not exist.
// Callers check with errors.Is.
var ErrNotFound = errors.New("not found")
