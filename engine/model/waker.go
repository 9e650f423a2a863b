package model

import (
	"slices"
	"time"
)

// WakerReason says why a thing asked to be woken up.
type WakerReason string

const (
	// WakerReasonReconcile re-runs the reconciliation (timers, desired
	// state deadlines, script-requested wakeups).
	WakerReasonReconcile WakerReason = "reconcile"
	// WakerReasonOutbox retries draining pending outbox events.
	WakerReasonOutbox WakerReason = "outbox"
	// WakerReasonDeletion continues a pending deletion.
	WakerReasonDeletion WakerReason = "deletion"
)

// Waker is the persistent timer of a thing: the earliest instant any reason
// wants it woken, plus the set of reasons.
type Waker struct {
	When time.Time     `json:"when,omitzero"`
	Why  []WakerReason `json:"why,omitempty"`
}

// IsZero reports whether no wakeup is scheduled.
func (w Waker) IsZero() bool {
	return w.When.IsZero() && len(w.Why) == 0
}

// WakeupAt schedules a wakeup at the given instant for the given reason,
// keeping the earliest requested instant.
func (w *Waker) WakeupAt(when time.Time, reason WakerReason) {
	if !slices.Contains(w.Why, reason) {
		w.Why = append(w.Why, reason)
		slices.Sort(w.Why)
	}
	if w.When.IsZero() || when.Before(w.When) {
		w.When = when.UTC()
	}
}

// Clear removes a reason; once no reason remains, the wakeup is dropped.
func (w *Waker) Clear(reason WakerReason) {
	w.Why = slices.DeleteFunc(w.Why, func(r WakerReason) bool { return r == reason })
	if len(w.Why) == 0 {
		w.Why = nil
		w.When = time.Time{}
	}
}

// Internal is the engine-owned section of a thing. It never leaves the
// system on external interfaces.
type Internal struct {
	Waker  Waker   `json:"waker,omitzero"`
	Outbox *Outbox `json:"outbox,omitempty"`
}

// IsEmpty reports whether the internal section carries no information.
func (i *Internal) IsEmpty() bool {
	return i == nil || (i.Waker.IsZero() && (i.Outbox == nil || len(i.Outbox.Entries) == 0))
}

// Outbox is the durable queue of events produced by the last machine runs
// but not yet published.
type Outbox struct {
	Entries []Event `json:"entries,omitempty"`
	// PostponedUntil is set after a failed publish; user-facing updates may
	// refuse to proceed until it passes.
	PostponedUntil time.Time `json:"postponedUntil,omitzero"`
}

// EnsureInternal returns the internal section, allocating it if needed.
func (t *Thing) EnsureInternal() *Internal {
	if t.Internal == nil {
		t.Internal = &Internal{}
	}
	return t.Internal
}

// WakeupAt schedules a wakeup on the thing's internal waker.
func (t *Thing) WakeupAt(when time.Time, reason WakerReason) {
	t.EnsureInternal().Waker.WakeupAt(when, reason)
}

// Wakeup schedules a wakeup after the given delay.
func (t *Thing) Wakeup(delay time.Duration, reason WakerReason) {
	t.WakeupAt(time.Now().UTC().Add(delay), reason)
}

// ClearWakeup removes a waker reason from the thing, if any.
func (t *Thing) ClearWakeup(reason WakerReason) {
	if t.Internal == nil {
		return
	}
	t.Internal.Waker.Clear(reason)
	if t.Internal.IsEmpty() {
		t.Internal = nil
	}
}

// OutboxEntries returns the pending outbox events, if any.
func (t *Thing) OutboxEntries() []Event {
	if t.Internal == nil || t.Internal.Outbox == nil {
		return nil
	}
	return t.Internal.Outbox.Entries
}
