// Package machine implements the deterministic state transition of a thing:
// update, reconcile (synthetics, hooks, timers, desired state) and validate.
// The machine is pure with respect to storage and transports; all its
// fallible collaborators are injected.
package machine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/script"
)

// DefaultRunDeadline bounds a full machine run, shared by every script
// executed within it.
const DefaultRunDeadline = time.Second

// ReconcileError is a failure during reconciliation, typically a script
// failure. The run produced no partial state.
type ReconcileError struct {
	Err error
}

func (e *ReconcileError) Error() string { return fmt.Sprintf("reconcile: %v", e.Err) }
func (e *ReconcileError) Unwrap() error { return e.Err }

// ValidationError means the final state was rejected by the configured
// schema.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation failed: %s", e.Msg) }

// MutatorError wraps a failure of the updater applied before the run.
type MutatorError struct {
	Err error
}

func (e *MutatorError) Error() string { return fmt.Sprintf("mutator: %v", e.Err) }
func (e *MutatorError) Unwrap() error { return e.Err }

// Outcome is the result of a machine run: the new thing plus the events and
// commands it produced. Outbox events are persisted with the thing before
// they are published.
type Outcome struct {
	NewThing *model.Thing
	Outbox   []model.OutboxMessage
	Commands []model.Command
}

// DeletionOutcome is the result of running the deletion hooks.
type DeletionOutcome struct {
	Thing  *model.Thing
	Outbox []model.OutboxMessage
}

// Machine runs the state transition. It is safe for concurrent use.
type Machine struct {
	runtime  script.Runtime
	deadline time.Duration
	now      func() time.Time
}

// New creates a machine using the given script runtime and the default run
// deadline.
func New(runtime script.Runtime) *Machine {
	return &Machine{
		runtime:  runtime,
		deadline: DefaultRunDeadline,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Update applies the state machine to the transition current → new. The
// metadata of current wins over whatever the mutation put into new.
func (m *Machine) Update(ctx context.Context, current, new *model.Thing) (*Outcome, error) {
	meta := current.Metadata

	// immutable and storage-owned metadata always comes from the current
	// state, whatever the mutation or the scripts did to it
	preserve := func(thing *model.Thing) {
		thing.Metadata.Name = meta.Name
		thing.Metadata.Application = meta.Application
		thing.Metadata.UID = meta.UID
		thing.Metadata.CreationTimestamp = meta.CreationTimestamp
		thing.Metadata.DeletionTimestamp = meta.DeletionTimestamp
		thing.Metadata.Generation = meta.Generation
		thing.Metadata.ResourceVersion = meta.ResourceVersion
	}

	now := m.now()
	r := &reconciler{
		machine:  m,
		now:      now,
		deadline: now.Add(m.deadline),
		current:  current,
		new:      new.Clone(),
	}
	preserve(r.new)
	outcome, err := r.run(ctx)
	if err != nil {
		return nil, err
	}
	preserve(outcome.NewThing)

	if err := m.validate(outcome.NewThing); err != nil {
		return nil, err
	}

	return outcome, nil
}

// Create runs the machine for a new thing, starting from an empty baseline
// of the same identity so that the initial state goes through a full
// reconciliation.
func (m *Machine) Create(ctx context.Context, thing *model.Thing) (*Outcome, error) {
	baseline := model.NewThing(thing.Metadata.Application, thing.Metadata.Name)
	return m.Update(ctx, baseline, thing)
}

// Delete runs the deleting hooks of the thing, collecting their outbox
// messages. Hook failures are logged and do not block deletion.
func (m *Machine) Delete(ctx context.Context, thing *model.Thing) (*DeletionOutcome, error) {
	deadline := m.now().Add(m.deadline)
	outcome := &DeletionOutcome{Thing: thing}

	thing.Reconciliation.Deleting.Range(func(name string, deleting model.Deleting) bool {
		input := map[string]any{
			"currentState": thing,
			"newState":     thing,
			"action":       actionDeleting,
			"outbox":       []any{},
			"logs":         []any{},
		}
		result, err := m.runtime.Run(ctx, "delete-"+name, deleting.JavaScript, input, deadline)
		if err != nil {
			log.Printf("Deleting script %q of %s/%s failed: %v", name,
				thing.Metadata.Application, thing.Metadata.Name, err)
			return true
		}
		var out struct {
			Outbox []model.OutboxMessage `json:"outbox"`
		}
		if err := decodeContext(result, &out); err != nil {
			log.Printf("Deleting script %q of %s/%s returned invalid output: %v", name,
				thing.Metadata.Application, thing.Metadata.Name, err)
			return true
		}
		outcome.Outbox = append(outcome.Outbox, out.Outbox...)
		return true
	})

	return outcome, nil
}
