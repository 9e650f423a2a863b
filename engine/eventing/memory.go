package eventing

import (
	"context"
	"errors"
	"sync"

	"github.com/itskum47/TwinForge/engine/model"
)

// MemoryEventBus is an in-process event stream: a sink and a source sharing
// one buffered channel. It backs tests and single-node development runs.
type MemoryEventBus struct {
	mu       sync.Mutex
	ch       chan model.Event
	failNext error
	sent     []model.Event
}

// NewMemoryEventBus creates a bus with the given buffer capacity.
func NewMemoryEventBus(capacity int) *MemoryEventBus {
	return &MemoryEventBus{ch: make(chan model.Event, capacity)}
}

// FailNext makes the next publish fail with err, once.
func (b *MemoryEventBus) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// Sent returns a copy of all successfully published events.
func (b *MemoryEventBus) Sent() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Event(nil), b.sent...)
}

func (b *MemoryEventBus) Publish(ctx context.Context, event model.Event) error {
	b.mu.Lock()
	if err := b.failNext; err != nil {
		b.failNext = nil
		b.mu.Unlock()
		return err
	}
	b.sent = append(b.sent, event)
	b.mu.Unlock()

	select {
	case b.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryEventBus) PublishAll(ctx context.Context, events []model.Event) (int, error) {
	return PublishEach(ctx, b, events)
}

// Run delivers events to the handler until the context ends.
func (b *MemoryEventBus) Run(ctx context.Context, handler func(ctx context.Context, event model.Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-b.ch:
			if err := handler(ctx, event); err != nil {
				return err
			}
		}
	}
}

// MemoryCommandSink records published commands.
type MemoryCommandSink struct {
	mu       sync.Mutex
	commands []model.Command
}

func NewMemoryCommandSink() *MemoryCommandSink {
	return &MemoryCommandSink{}
}

func (s *MemoryCommandSink) Publish(ctx context.Context, command model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	return nil
}

// Commands returns a copy of all published commands.
func (s *MemoryCommandSink) Commands() []model.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Command(nil), s.commands...)
}

// MemoryNotificationSink records notified things and can forward them to a
// handler, acting as its own source.
type MemoryNotificationSink struct {
	mu       sync.Mutex
	notified []*model.Thing
	forward  func(thing *model.Thing)
	failNext error
}

func NewMemoryNotificationSink() *MemoryNotificationSink {
	return &MemoryNotificationSink{}
}

// Forward routes every notification to f, emulating the transport loop of a
// real notification source.
func (s *MemoryNotificationSink) Forward(f func(thing *model.Thing)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forward = f
}

// FailNext makes the next notify fail with err, once.
func (s *MemoryNotificationSink) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryNotificationSink) Notify(ctx context.Context, thing *model.Thing) error {
	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return err
	}
	s.notified = append(s.notified, thing.Clone())
	forward := s.forward
	s.mu.Unlock()

	if forward != nil {
		forward(thing)
	}
	return nil
}

// Notified returns a copy of all notified things.
func (s *MemoryNotificationSink) Notified() []*model.Thing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Thing(nil), s.notified...)
}

// ErrClosed is returned by sinks operating on a closed transport.
var ErrClosed = errors.New("transport closed")
