package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/TwinForge/engine/eventing"
	"github.com/itskum47/TwinForge/engine/machine"
	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/observability"
	"github.com/itskum47/TwinForge/engine/store"
)

const (
	// maxUpdateAttempts bounds user-facing retries on optimistic concurrency
	// conflicts. The processor retries without bound on top of this.
	maxUpdateAttempts = 10

	// outboxPostpone is how long an outbox stays postponed after a failed
	// publish, and when the waker retries the drain.
	outboxPostpone = 5 * time.Second
)

// UpdateOptions tune a single update call.
type UpdateOptions struct {
	// IgnoreUncleanOutbox proceeds even when a previous outbox drain is
	// still postponed. The processor sets this; user-facing callers usually
	// do not.
	IgnoreUncleanOutbox bool
}

// Service is the transactional envelope around the machine: load, mutate,
// reconcile, persist under optimistic concurrency, then publish commands,
// drain the outbox and notify. Transports are injected capabilities; the
// service never owns them.
type Service struct {
	store    store.Store
	machine  *machine.Machine
	events   eventing.EventSink
	commands eventing.CommandSink
	notifier eventing.NotificationSink
}

// New creates a service.
func New(st store.Store, m *machine.Machine, events eventing.EventSink, commands eventing.CommandSink, notifier eventing.NotificationSink) *Service {
	return &Service{
		store:    st,
		machine:  m,
		events:   events,
		commands: commands,
		notifier: notifier,
	}
}

// Get reads a thing.
func (s *Service) Get(ctx context.Context, id ID) (*model.Thing, error) {
	return s.store.Get(ctx, id.Application, id.Name)
}

// Create runs the machine from an empty baseline and persists the result.
func (s *Service) Create(ctx context.Context, thing *model.Thing) (*model.Thing, error) {
	outcome, err := s.machine.Create(ctx, thing)
	if err != nil {
		return nil, err
	}

	events := s.addOutbox(outcome.NewThing, outcome.Outbox)

	created, err := s.store.Create(ctx, outcome.NewThing)
	if err != nil {
		return nil, err
	}

	s.publishCommands(ctx, outcome.Commands)
	created = s.drainOutbox(ctx, created, events)
	s.notify(ctx, created)

	return created, nil
}

// Update applies the updater to the current state of the thing and runs the
// full update protocol. Conflicting concurrent updates are retried from a
// fresh load, up to a bounded number of attempts.
func (s *Service) Update(ctx context.Context, id ID, updater Updater, opts UpdateOptions) (*model.Thing, error) {
	var lastErr error

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.store.Get(ctx, id.Application, id.Name)
		if err != nil {
			return nil, err
		}

		if !opts.IgnoreUncleanOutbox && s.outboxPostponed(current) {
			return nil, ErrUncleanOutbox
		}

		mutated, err := updater.Update(current.Clone())
		if err != nil {
			return nil, &UpdaterError{Err: err}
		}

		// an updater scheduling deletion short-circuits into the delete path
		if !mutated.Metadata.DeletionTimestamp.IsZero() && current.Metadata.DeletionTimestamp.IsZero() {
			if _, err := s.deleteLoaded(ctx, current); err != nil {
				return nil, err
			}
			return current, nil
		}

		outcome, err := s.machine.Update(ctx, current, mutated)
		if err != nil {
			return nil, err
		}

		events := s.addOutbox(outcome.NewThing, outcome.Outbox)

		if outcome.NewThing.Equal(current) {
			// nothing changed, nothing to persist or announce; pending
			// events from an earlier failed drain still go out, which is
			// exactly what an outbox wakeup asks for
			if len(events) > 0 {
				s.drainOutbox(ctx, current, events)
			}
			return current, nil
		}

		updated, err := s.store.Update(ctx, outcome.NewThing)
		if errors.Is(err, store.ErrPreconditionFailed) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		s.publishCommands(ctx, outcome.Commands)
		updated = s.drainOutbox(ctx, updated, events)
		s.notify(ctx, updated)

		return updated, nil
	}

	return nil, lastErr
}

// Delete runs the deleting hooks, publishes their outbox messages and
// removes the thing. A missing thing is not an error.
func (s *Service) Delete(ctx context.Context, id ID, precond *store.Precondition) (bool, error) {
	current, err := s.store.Get(ctx, id.Application, id.Name)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if precond == nil {
		precond = &store.Precondition{}
	}
	return s.deleteWith(ctx, current, precond)
}

func (s *Service) deleteLoaded(ctx context.Context, current *model.Thing) (bool, error) {
	// guard with the loaded identifiers so a concurrent update wins
	return s.deleteWith(ctx, current, &store.Precondition{
		UID:             current.Metadata.UID,
		ResourceVersion: current.Metadata.ResourceVersion,
	})
}

func (s *Service) deleteWith(ctx context.Context, current *model.Thing, precond *store.Precondition) (bool, error) {
	outcome, err := s.machine.Delete(ctx, current)
	if err != nil {
		return false, err
	}

	for _, msg := range outcome.Outbox {
		event := model.NewEvent(uuid.NewString(), current.Metadata.Application, msg.Thing, msg.Message)
		if err := s.events.Publish(ctx, event); err != nil {
			// deletion is best-effort about its outbox
			log.Printf("Failed to publish deletion event for %s/%s: %v",
				current.Metadata.Application, msg.Thing, err)
		}
	}

	return s.store.Delete(ctx, current.Metadata.Application, current.Metadata.Name, precond)
}

// outboxPostponed reports whether the thing has pending outbox entries whose
// drain is still postponed.
func (s *Service) outboxPostponed(thing *model.Thing) bool {
	if thing.Internal == nil || thing.Internal.Outbox == nil {
		return false
	}
	outbox := thing.Internal.Outbox
	return len(outbox.Entries) > 0 && outbox.PostponedUntil.After(time.Now())
}

// addOutbox turns the machine's outbox messages into events, appends them to
// the stored outbox and schedules the outbox waker. It returns the full list
// of pending events, oldest first.
func (s *Service) addOutbox(thing *model.Thing, outbox []model.OutboxMessage) []model.Event {
	if len(outbox) > 0 {
		internal := thing.EnsureInternal()
		if internal.Outbox == nil {
			internal.Outbox = &model.Outbox{}
		}
		now := time.Now().UTC()
		for _, msg := range outbox {
			internal.Outbox.Entries = append(internal.Outbox.Entries, model.Event{
				ID:          uuid.NewString(),
				Timestamp:   now,
				Application: thing.Metadata.Application,
				Thing:       msg.Thing,
				Message:     msg.Message,
			})
		}
		observability.OutboxEvents.Add(float64(len(outbox)))
	}

	entries := thing.OutboxEntries()
	if len(entries) > 0 {
		thing.WakeupAt(time.Now().UTC().Add(outboxPostpone), model.WakerReasonOutbox)
	}
	return entries
}

// drainOutbox publishes the pending events in order. On full success the
// cleared outbox is persisted; on partial failure the remaining entries are
// retained and postponed. A conflicting persist abandons the drain — the
// outbox waker retries later.
func (s *Service) drainOutbox(ctx context.Context, thing *model.Thing, events []model.Event) *model.Thing {
	if len(events) == 0 {
		return thing
	}

	published, err := s.events.PublishAll(ctx, events)
	if err == nil {
		cleared := thing.Clone()
		cleared.EnsureInternal().Outbox = nil
		cleared.ClearWakeup(model.WakerReasonOutbox)

		updated, err := s.store.Update(ctx, cleared)
		if err != nil {
			// the outbox waker reason persists and retries the drain
			log.Printf("Failed to persist drained outbox for %s/%s: %v",
				thing.Metadata.Application, thing.Metadata.Name, err)
			return thing
		}
		return updated
	}

	log.Printf("Failed to publish outbox events for %s/%s after %d: %v",
		thing.Metadata.Application, thing.Metadata.Name, published, err)

	retained := thing.Clone()
	internal := retained.EnsureInternal()
	internal.Outbox = &model.Outbox{
		Entries:        events[published:],
		PostponedUntil: time.Now().UTC().Add(outboxPostpone),
	}
	retained.WakeupAt(internal.Outbox.PostponedUntil, model.WakerReasonOutbox)
	observability.OutboxRetained.Add(float64(len(events) - published))

	updated, err := s.store.Update(ctx, retained)
	if err != nil {
		log.Printf("Failed to persist retained outbox for %s/%s: %v",
			thing.Metadata.Application, thing.Metadata.Name, err)
		return thing
	}
	return updated
}

func (s *Service) publishCommands(ctx context.Context, commands []model.Command) {
	for _, command := range commands {
		if err := s.commands.Publish(ctx, command); err != nil {
			// commands are fire-and-forget
			log.Printf("Failed to publish command to %s/%s: %v",
				command.Application, command.Device, err)
			continue
		}
		observability.CommandsSent.Inc()
	}
}

// notify publishes the change; failures never fail the update.
func (s *Service) notify(ctx context.Context, thing *model.Thing) {
	if err := s.notifier.Notify(ctx, thing.StripInternal()); err != nil {
		observability.NotificationFailures.Inc()
		log.Printf("Failed to notify change of %s/%s: %v",
			thing.Metadata.Application, thing.Metadata.Name, err)
	}
}
