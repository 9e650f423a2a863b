package store

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/TwinForge/engine/model"
)

// Sentinel errors of the storage layer. Callers match with errors.Is.
var (
	// ErrNotFound means the thing does not exist (or is hidden by the
	// tenant restriction).
	ErrNotFound = errors.New("thing not found")
	// ErrAlreadyExists means a create hit an existing (application, name).
	ErrAlreadyExists = errors.New("thing already exists")
	// ErrPreconditionFailed means the stored resource version (or uid) did
	// not match the one supplied with an update or delete.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrNotAllowed means the operation targeted an application outside the
	// configured tenant restriction.
	ErrNotAllowed = errors.New("operation not allowed")
)

// Precondition optionally restricts a delete to a specific uid and/or
// resource version.
type Precondition struct {
	UID             string
	ResourceVersion string
}

// WakerTarget identifies a thing whose waker came due.
type WakerTarget struct {
	Application     string
	Name            string
	UID             string
	ResourceVersion string
	Reasons         []model.WakerReason
}

// Store is the durable per-thing record with optimistic concurrency and the
// waker index. It is the single source of truth; all cross-worker
// coordination goes through it.
type Store interface {
	// Get reads a thing by primary key.
	Get(ctx context.Context, application, name string) (*model.Thing, error)

	// Create persists a new thing, assigning uid, creation timestamp,
	// generation 1 and a fresh resource version.
	Create(ctx context.Context, thing *model.Thing) (*model.Thing, error)

	// Update persists a thing if the stored resource version (and uid, when
	// supplied) still match. On success generation is incremented and a new
	// resource version assigned.
	Update(ctx context.Context, thing *model.Thing) (*model.Thing, error)

	// Delete removes a thing, optionally guarded by a precondition, and
	// reports whether a row was removed.
	Delete(ctx context.Context, application, name string, precond *Precondition) (bool, error)

	// NextWaker atomically selects the thing with the earliest due waker,
	// pushes its waker past now by delay so concurrent workers skip it, and
	// returns the target. Returns (nil, nil) when nothing is due.
	NextWaker(ctx context.Context, now time.Time, delay time.Duration) (*WakerTarget, error)

	// ClearWaker clears the waker of the target if its identifiers still
	// match. Losing that race is benign and only causes a spurious wakeup.
	ClearWaker(ctx context.Context, target WakerTarget) error
}
