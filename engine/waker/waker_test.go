package waker

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/TwinForge/engine/eventing"
	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/store"
)

func createWithWaker(t *testing.T, st *store.MemoryStore, name string, when time.Time, reasons ...model.WakerReason) {
	t.Helper()
	thing := model.NewThing("default", name)
	for _, reason := range reasons {
		thing.WakeupAt(when, reason)
	}
	if _, err := st.Create(context.Background(), thing); err != nil {
		t.Fatal(err)
	}
}

func TestTickDispatchesDueWakers(t *testing.T) {
	st := store.NewMemoryStore("")
	bus := eventing.NewMemoryEventBus(16)
	w := New(st, bus)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Second)
	createWithWaker(t, st, "due-1", past, model.WakerReasonReconcile)
	createWithWaker(t, st, "due-2", past, model.WakerReasonOutbox, model.WakerReasonReconcile)
	createWithWaker(t, st, "later", time.Now().UTC().Add(time.Hour), model.WakerReasonReconcile)

	if err := w.Tick(ctx); err != nil {
		t.Fatal(err)
	}

	sent := bus.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected two wakeups, got %d", len(sent))
	}
	for _, event := range sent {
		if event.Message.Wakeup == nil {
			t.Fatalf("expected a wakeup message: %+v", event)
		}
		if len(event.Message.Wakeup.Reasons) == 0 {
			t.Fatalf("reasons lost: %+v", event)
		}
	}

	// dispatched wakers are cleared; the future one stays
	for _, name := range []string{"due-1", "due-2"} {
		thing, err := st.Get(ctx, "default", name)
		if err != nil {
			t.Fatal(err)
		}
		if thing.Internal != nil && !thing.Internal.Waker.IsZero() {
			t.Fatalf("waker of %s not cleared: %+v", name, thing.Internal.Waker)
		}
	}
	later, _ := st.Get(ctx, "default", "later")
	if later.Internal == nil || later.Internal.Waker.IsZero() {
		t.Fatal("future waker must survive the tick")
	}

	// a second tick finds nothing
	if err := w.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if len(bus.Sent()) != 2 {
		t.Fatal("nothing was due on the second tick")
	}
}

func TestSelectedWakerIsNotHandedOutTwice(t *testing.T) {
	st := store.NewMemoryStore("")
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Second)
	createWithWaker(t, st, "due", past, model.WakerReasonReconcile)

	now := time.Now().UTC()
	first, err := st.NextWaker(ctx, now, DefaultDelay)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.Name != "due" {
		t.Fatalf("expected the due thing, got %+v", first)
	}

	// the selection pushed the waker past now: a concurrent worker scanning
	// at the same instant comes up empty
	second, err := st.NextWaker(ctx, now, DefaultDelay)
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("the same thing was dispatched twice: %+v", second)
	}
}
