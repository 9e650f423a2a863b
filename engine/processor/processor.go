// Package processor consumes mutation events and drives the service. All
// per-thing serialization comes from storage optimistic concurrency: on a
// conflict the processor simply reloads and retries, so any number of
// processor replicas can run.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/itskum47/TwinForge/engine/eventing"
	"github.com/itskum47/TwinForge/engine/machine"
	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/observability"
	"github.com/itskum47/TwinForge/engine/service"
	"github.com/itskum47/TwinForge/engine/store"
)

// Deduplicator skips events whose id was already processed.
type Deduplicator interface {
	FirstSeen(ctx context.Context, eventID string) bool
}

// Processor applies mutation events from an event source.
type Processor struct {
	service *service.Service
	source  eventing.EventSource

	// dedup is optional; without it, duplicate suppression is left to the
	// idempotency of downstream consumers.
	dedup Deduplicator
	// limiter optionally caps the global event rate.
	limiter *rate.Limiter
}

// New creates a processor.
func New(svc *service.Service, source eventing.EventSource) *Processor {
	return &Processor{service: svc, source: source}
}

// WithDeduplicator installs an event-id guard.
func (p *Processor) WithDeduplicator(dedup Deduplicator) *Processor {
	p.dedup = dedup
	return p
}

// WithRateLimit caps event processing at eventsPerSecond with the given
// burst.
func (p *Processor) WithRateLimit(eventsPerSecond float64, burst int) *Processor {
	p.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	return p
}

// Run consumes the source until it ends or a transport error occurs. The
// source commits its position only after an event was fully handled,
// including the outbox drain.
func (p *Processor) Run(ctx context.Context) error {
	err := p.source.Run(ctx, p.handle)
	if err != nil {
		return fmt.Errorf("event source failed: %w", err)
	}
	log.Printf("Event stream closed, exiting processor")
	return nil
}

func (p *Processor) handle(ctx context.Context, event model.Event) error {
	observability.Events.Inc()
	timer := time.Now()
	defer func() {
		observability.ProcessingTime.Observe(time.Since(timer).Seconds())
	}()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if p.dedup != nil && event.ID != "" && !p.dedup.FirstSeen(ctx, event.ID) {
		observability.DuplicateEvents.Inc()
		return nil
	}

	updater, err := UpdaterFor(event.Message)
	if err != nil {
		observability.Updates.WithLabelValues("other").Inc()
		log.Printf("Dropping malformed event %s: %v", event.ID, err)
		return nil
	}

	id := service.NewID(event.Application, event.Thing)
	retry := &backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Jitter: true}

	for {
		_, err := p.service.Update(ctx, id, updater, service.UpdateOptions{IgnoreUncleanOutbox: true})

		switch {
		case err == nil:
			observability.Updates.WithLabelValues("ok").Inc()
			return nil

		case errors.Is(err, store.ErrPreconditionFailed):
			// storage oplock path, reload and retry without bound
			observability.Updates.WithLabelValues("oplock").Inc()
			select {
			case <-time.After(retry.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue

		case errors.Is(err, store.ErrNotFound):
			// the thing was deleted under us, skip
			observability.Updates.WithLabelValues("not-found").Inc()
			return nil

		case errors.Is(err, store.ErrNotAllowed):
			observability.Updates.WithLabelValues("not-allowed").Inc()
			return nil

		case isMachineError(err):
			// the state machine rejected the event (script failure,
			// validation); skip and continue with the next one
			observability.Updates.WithLabelValues("machine").Inc()
			log.Printf("Machine rejected event %s for %s: %v", event.ID, id, err)
			return nil

		default:
			// infrastructure failure; abort so the supervisor restarts us
			observability.Updates.WithLabelValues("other").Inc()
			return fmt.Errorf("processing event %s for %s: %w", event.ID, id, err)
		}
	}
}

func isMachineError(err error) bool {
	var reconcile *machine.ReconcileError
	var validation *machine.ValidationError
	var mutator *machine.MutatorError
	var updater *service.UpdaterError
	return errors.As(err, &reconcile) || errors.As(err, &validation) ||
		errors.As(err, &mutator) || errors.As(err, &updater)
}

// UpdaterFor maps an event message onto the updater that applies it.
func UpdaterFor(message model.Message) (service.Updater, error) {
	if err := message.Validate(); err != nil {
		return nil, err
	}
	switch {
	case message.ReportState != nil:
		return service.ReportedStateUpdater{
			State: message.ReportState.State,
			Mode:  service.UpdateModeFromPartial(message.ReportState.Partial),
		}, nil
	case len(message.Patch) > 0:
		return service.JSONPatchUpdater{Patch: message.Patch}, nil
	case len(message.Merge) > 0:
		return service.JSONMergeUpdater{Merge: message.Merge}, nil
	case len(message.SetDesiredValues) > 0:
		return service.DesiredStateValueUpdater{Values: message.SetDesiredValues}, nil
	case message.Wakeup != nil:
		// a wakeup mutates nothing; the machine run does the work
		return service.Identity, nil
	default:
		return nil, fmt.Errorf("empty message")
	}
}
