// Package notifier fans per-thing change notifications out to live
// subscribers. Subscriptions are reference-counted per (application, name);
// slow subscribers lose intermediate changes and receive a lag marker
// instead of stalling the fanout.
package notifier

import (
	"context"
	"sync"

	"github.com/itskum47/TwinForge/engine/eventing"
	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/observability"
)

// subscriptionBuffer is the per-subscriber channel capacity.
const subscriptionBuffer = 10

// Message is what a subscriber receives: either a change or a lag marker
// after which normal delivery resumes.
type Message struct {
	Change *model.Thing
	Lag    int
}

// Subscription is one subscriber's handle on a thing's change stream.
type Subscription struct {
	fanout *Fanout
	key    string
	ch     chan Message

	closeOnce sync.Once
}

// C is the channel delivering messages. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Unsubscribe detaches the subscriber; the last unsubscribe of a thing
// removes its channel entirely.
func (s *Subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		s.fanout.unsubscribe(s)
	})
}

// subscriber is the fanout-side state of one subscription.
type subscriber struct {
	ch chan Message
	// lost counts changes dropped while the channel was full; delivered as
	// a lag marker as soon as there is room again.
	lost int
}

// Fanout broadcasts change notifications to subscribers.
type Fanout struct {
	mu        sync.Mutex
	listeners map[string][]*subscriber
}

// NewFanout creates an empty fanout.
func NewFanout() *Fanout {
	return &Fanout{listeners: map[string][]*subscriber{}}
}

// Run feeds the fanout from a notification source until the context ends.
func (f *Fanout) Run(ctx context.Context, source eventing.NotificationSource) error {
	return source.Run(ctx, f.Publish)
}

// Subscribe registers for changes of one thing.
func (f *Fanout) Subscribe(application, name string) *Subscription {
	key := application + "/" + name

	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &subscriber{ch: make(chan Message, subscriptionBuffer)}
	f.listeners[key] = append(f.listeners[key], sub)

	return &Subscription{fanout: f, key: key, ch: sub.ch}
}

func (f *Fanout) unsubscribe(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.listeners[s.key]
	for i, sub := range subs {
		if sub.ch == s.ch {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(subs) == 0 {
		delete(f.listeners, s.key)
	} else {
		f.listeners[s.key] = subs
	}
}

// Publish delivers a change to all subscribers of the thing. Full buffers
// are not waited on: the change is dropped for that subscriber and counted
// into a lag marker.
func (f *Fanout) Publish(thing *model.Thing) {
	key := thing.Metadata.Application + "/" + thing.Metadata.Name

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.listeners[key] {
		if sub.lost > 0 {
			// try to flush the pending lag marker first
			select {
			case sub.ch <- Message{Lag: sub.lost}:
				sub.lost = 0
			default:
				sub.lost++
				observability.SubscriberLag.Inc()
				continue
			}
		}
		select {
		case sub.ch <- Message{Change: thing}:
		default:
			sub.lost++
			observability.SubscriberLag.Inc()
		}
	}
}
