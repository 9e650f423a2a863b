package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/TwinForge/engine/model"
)

// MemoryStore is an in-memory Store with the same optimistic concurrency and
// waker semantics as the Postgres backend. It serves tests and single-node
// development runs.
type MemoryStore struct {
	mu          sync.Mutex
	things      map[string]*model.Thing
	application string
}

// NewMemoryStore initializes a new MemoryStore. If application is non-empty,
// all operations are restricted to that tenant.
func NewMemoryStore(application string) *MemoryStore {
	return &MemoryStore{
		things:      make(map[string]*model.Thing),
		application: application,
	}
}

func key(application, name string) string {
	return application + "/" + name
}

func (s *MemoryStore) allowed(application string) bool {
	return s.application == "" || s.application == application
}

func (s *MemoryStore) Get(ctx context.Context, application, name string) (*model.Thing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.allowed(application) {
		return nil, ErrNotFound
	}
	thing, ok := s.things[key(application, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return thing.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, thing *model.Thing) (*model.Thing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.allowed(thing.Metadata.Application) {
		return nil, ErrNotAllowed
	}
	k := key(thing.Metadata.Application, thing.Metadata.Name)
	if _, ok := s.things[k]; ok {
		return nil, ErrAlreadyExists
	}

	out := thing.Clone()
	out.Metadata.UID = uuid.NewString()
	out.Metadata.CreationTimestamp = time.Now().UTC()
	out.Metadata.Generation = 1
	out.Metadata.ResourceVersion = uuid.NewString()

	s.things[k] = out.Clone()
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, thing *model.Thing) (*model.Thing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.allowed(thing.Metadata.Application) {
		return nil, ErrNotFound
	}
	k := key(thing.Metadata.Application, thing.Metadata.Name)
	current, ok := s.things[k]
	if !ok {
		return nil, ErrPreconditionFailed
	}
	if thing.Metadata.ResourceVersion != "" && thing.Metadata.ResourceVersion != current.Metadata.ResourceVersion {
		return nil, ErrPreconditionFailed
	}
	if thing.Metadata.UID != "" && thing.Metadata.UID != current.Metadata.UID {
		return nil, ErrPreconditionFailed
	}

	out := thing.Clone()
	out.Metadata.UID = current.Metadata.UID
	out.Metadata.CreationTimestamp = current.Metadata.CreationTimestamp
	out.Metadata.Generation = current.Metadata.Generation + 1
	out.Metadata.ResourceVersion = uuid.NewString()

	s.things[k] = out.Clone()
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, application, name string, precond *Precondition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.allowed(application) {
		return false, nil
	}
	k := key(application, name)
	current, ok := s.things[k]
	if !ok {
		return false, nil
	}
	if precond != nil {
		if precond.ResourceVersion != "" && precond.ResourceVersion != current.Metadata.ResourceVersion {
			return false, ErrPreconditionFailed
		}
		if precond.UID != "" && precond.UID != current.Metadata.UID {
			return false, ErrPreconditionFailed
		}
	}
	delete(s.things, k)
	return true, nil
}

func (s *MemoryStore) NextWaker(ctx context.Context, now time.Time, delay time.Duration) (*WakerTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		due   *model.Thing
		dueAt time.Time
	)
	for _, thing := range s.things {
		if !s.allowed(thing.Metadata.Application) {
			continue
		}
		if thing.Internal == nil || thing.Internal.Waker.When.IsZero() {
			continue
		}
		when := thing.Internal.Waker.When
		if when.After(now) {
			continue
		}
		if due == nil || when.Before(dueAt) {
			due = thing
			dueAt = when
		}
	}
	if due == nil {
		return nil, nil
	}

	target := &WakerTarget{
		Application:     due.Metadata.Application,
		Name:            due.Metadata.Name,
		UID:             due.Metadata.UID,
		ResourceVersion: due.Metadata.ResourceVersion,
		Reasons:         append([]model.WakerReason(nil), due.Internal.Waker.Why...),
	}
	// push past now, so concurrent workers skip this thing
	due.Internal.Waker.When = now.Add(delay).UTC()
	return target, nil
}

func (s *MemoryStore) ClearWaker(ctx context.Context, target WakerTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thing, ok := s.things[key(target.Application, target.Name)]
	if !ok {
		return nil
	}
	if thing.Metadata.UID != target.UID || thing.Metadata.ResourceVersion != target.ResourceVersion {
		// lost the race, the next reconcile rewrites the waker
		return nil
	}
	if thing.Internal != nil {
		thing.Internal.Waker = model.Waker{}
		if thing.Internal.IsEmpty() {
			thing.Internal = nil
		}
	}
	return nil
}
