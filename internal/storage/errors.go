package storage

import "errors"

// ErrNoCommand is returned by PopCommand when the queue has no PENDING rows.
var ErrNoCommand = errors.New("no pending command")

var errWriteFailed = errors.New("storage write failed")
