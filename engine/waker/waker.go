// Package waker turns persisted waker timestamps back into wakeup events.
// Multiple waker instances may run concurrently; the storage layer's
// skip-locked selection guarantees at most one dispatch per due thing.
package waker

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/TwinForge/engine/eventing"
	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/observability"
	"github.com/itskum47/TwinForge/engine/store"
)

const (
	// DefaultTick is the scan interval.
	DefaultTick = time.Second
	// DefaultDelay is how far a selected waker is pushed into the future
	// while its wakeup is in flight.
	DefaultDelay = time.Second
)

// Waker periodically drains due wakers from storage and emits wakeup events.
type Waker struct {
	store store.Store
	sink  eventing.EventSink

	tick  time.Duration
	delay time.Duration
}

// New creates a waker with the default tick and delay.
func New(st store.Store, sink eventing.EventSink) *Waker {
	return &Waker{
		store: st,
		sink:  sink,
		tick:  DefaultTick,
		delay: DefaultDelay,
	}
}

// WithDelay overrides the in-flight reschedule delay.
func (w *Waker) WithDelay(delay time.Duration) *Waker {
	w.delay = delay
	return w
}

// Run scans until the context ends.
func (w *Waker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				observability.WakerTickFailures.Inc()
				log.Printf("Waker tick failed: %v", err)
			}
		}
	}
}

// Tick drains all currently due wakers.
func (w *Waker) Tick(ctx context.Context) error {
	for {
		target, err := w.store.NextWaker(ctx, time.Now().UTC(), w.delay)
		if err != nil {
			return err
		}
		if target == nil {
			return nil
		}
		if err := w.dispatch(ctx, target); err != nil {
			return err
		}
	}
}

func (w *Waker) dispatch(ctx context.Context, target *store.WakerTarget) error {
	event := model.NewEvent(uuid.NewString(), target.Application, target.Name, model.Message{
		Wakeup: &model.WakeupMessage{Reasons: target.Reasons},
	})
	if err := w.sink.Publish(ctx, event); err != nil {
		return err
	}
	observability.Wakeups.Inc()

	// best effort: losing this race only causes a spurious future wakeup
	if err := w.store.ClearWaker(ctx, *target); err != nil {
		log.Printf("Failed to clear waker for %s/%s: %v", target.Application, target.Name, err)
	}
	return nil
}
