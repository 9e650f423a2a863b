package service

import (
	"errors"
	"fmt"
)

// ErrUncleanOutbox means a previous outbox drain failed and is still
// postponed; user-facing updates may retry once the postponement passes.
var ErrUncleanOutbox = errors.New("outbox not yet drained")

// UpdaterError wraps a failure of the updater applied to the loaded thing.
type UpdaterError struct {
	Err error
}

func (e *UpdaterError) Error() string { return fmt.Sprintf("updater: %v", e.Err) }
func (e *UpdaterError) Unwrap() error { return e.Err }
