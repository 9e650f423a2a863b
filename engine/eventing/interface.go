// Package eventing defines the transport capabilities of the engine. The
// service and its workers only ever see these interfaces; the concrete
// transports (Kafka, log, in-memory) are injected at wiring time.
package eventing

import (
	"context"

	"github.com/itskum47/TwinForge/engine/model"
)

// EventSink publishes mutation events towards the event stream.
type EventSink interface {
	// Publish sends a single event.
	Publish(ctx context.Context, event model.Event) error

	// PublishAll sends events in order and returns how many were published
	// before the first failure. A nil error means all were published.
	PublishAll(ctx context.Context, events []model.Event) (int, error)
}

// EventSource delivers mutation events to a handler. The source commits its
// position only after the handler returned nil, yielding at-least-once
// delivery. A handler error aborts the run so a supervisor can restart it.
type EventSource interface {
	Run(ctx context.Context, handler func(ctx context.Context, event model.Event) error) error
}

// CommandSink publishes device commands. Commands are fire-and-forget:
// callers log failures but do not roll anything back.
type CommandSink interface {
	Publish(ctx context.Context, command model.Command) error
}

// NotificationSink publishes the full state of a changed thing.
type NotificationSink interface {
	Notify(ctx context.Context, thing *model.Thing) error
}

// NotificationSource delivers change notifications, e.g. to the fanout.
type NotificationSource interface {
	Run(ctx context.Context, handler func(thing *model.Thing)) error
}

// PublishEach implements PublishAll in terms of Publish, for sinks without a
// batch primitive.
func PublishEach(ctx context.Context, sink interface {
	Publish(ctx context.Context, event model.Event) error
}, events []model.Event) (int, error) {
	for i, event := range events {
		if err := sink.Publish(ctx, event); err != nil {
			return i, err
		}
	}
	return len(events), nil
}
