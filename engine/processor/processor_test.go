package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/TwinForge/engine/eventing"
	"github.com/itskum47/TwinForge/engine/machine"
	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/script"
	"github.com/itskum47/TwinForge/engine/service"
	"github.com/itskum47/TwinForge/engine/store"
)

// nullRuntime satisfies the script runtime for things without hooks.
type nullRuntime struct{}

func (nullRuntime) Run(ctx context.Context, name, source string, input any, deadline time.Time) (*script.Result, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	return &script.Result{ReturnValue: json.RawMessage("null"), Context: data}, nil
}

// conflictStore injects optimistic-concurrency conflicts into the first n
// update attempts.
type conflictStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *conflictStore) Update(ctx context.Context, thing *model.Thing) (*model.Thing, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return nil, store.ErrPreconditionFailed
	}
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, thing)
}

func newProcessorHarness(st store.Store) (*Processor, *eventing.MemoryEventBus) {
	bus := eventing.NewMemoryEventBus(16)
	svc := service.New(st, machine.New(nullRuntime{}),
		bus, eventing.NewMemoryCommandSink(), eventing.NewMemoryNotificationSink())
	return New(svc, bus), bus
}

func reportEvent(thing string, state map[string]any) model.Event {
	return model.NewEvent("event-1", "default", thing, model.Message{
		ReportState: &model.ReportStateMessage{State: state, Partial: true},
	})
}

func TestHandleAppliesReportState(t *testing.T) {
	st := store.NewMemoryStore("")
	p, _ := newProcessorHarness(st)
	ctx := context.Background()

	if _, err := st.Create(ctx, model.NewThing("default", "t1")); err != nil {
		t.Fatal(err)
	}

	if err := p.handle(ctx, reportEvent("t1", map[string]any{"foo": "bar"})); err != nil {
		t.Fatal(err)
	}

	stored, err := st.Get(ctx, "default", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ReportedState["foo"].Value != "bar" {
		t.Fatalf("event not applied: %+v", stored.ReportedState)
	}
	if stored.Metadata.Generation != 2 {
		t.Fatalf("unexpected generation: %d", stored.Metadata.Generation)
	}
}

func TestHandleRetriesOnConflict(t *testing.T) {
	inner := store.NewMemoryStore("")
	st := &conflictStore{MemoryStore: inner, conflicts: 12}
	p, _ := newProcessorHarness(st)
	ctx := context.Background()

	if _, err := inner.Create(ctx, model.NewThing("default", "t1")); err != nil {
		t.Fatal(err)
	}

	// more conflicts than the service's own retry budget: the processor
	// keeps going until the update lands
	if err := p.handle(ctx, reportEvent("t1", map[string]any{"foo": "bar"})); err != nil {
		t.Fatal(err)
	}

	stored, err := inner.Get(ctx, "default", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ReportedState["foo"].Value != "bar" {
		t.Fatal("update lost despite retries")
	}
}

func TestHandleDropsMissingThing(t *testing.T) {
	p, _ := newProcessorHarness(store.NewMemoryStore(""))
	if err := p.handle(context.Background(), reportEvent("missing", map[string]any{"a": 1})); err != nil {
		t.Fatalf("missing things are dropped, got %v", err)
	}
}

func TestHandleDropsForeignTenant(t *testing.T) {
	p, _ := newProcessorHarness(store.NewMemoryStore("tenant-a"))
	event := model.NewEvent("e", "tenant-b", "t1", model.Message{
		ReportState: &model.ReportStateMessage{State: map[string]any{"a": 1}},
	})
	if err := p.handle(context.Background(), event); err != nil {
		t.Fatalf("foreign tenants are dropped, got %v", err)
	}
}

type fakeDedup struct {
	seen map[string]bool
}

func (d *fakeDedup) FirstSeen(ctx context.Context, id string) bool {
	if d.seen[id] {
		return false
	}
	d.seen[id] = true
	return true
}

func TestHandleSkipsDuplicates(t *testing.T) {
	st := store.NewMemoryStore("")
	p, _ := newProcessorHarness(st)
	p = p.WithDeduplicator(&fakeDedup{seen: map[string]bool{}})
	ctx := context.Background()

	if _, err := st.Create(ctx, model.NewThing("default", "t1")); err != nil {
		t.Fatal(err)
	}

	event := reportEvent("t1", map[string]any{"foo": "bar"})
	if err := p.handle(ctx, event); err != nil {
		t.Fatal(err)
	}
	// the identical event id is skipped entirely
	if err := p.handle(ctx, event); err != nil {
		t.Fatal(err)
	}

	stored, _ := st.Get(ctx, "default", "t1")
	if stored.Metadata.Generation != 2 {
		t.Fatalf("duplicate must not re-apply, generation %d", stored.Metadata.Generation)
	}
}

func TestHandleWakeupReconciles(t *testing.T) {
	st := store.NewMemoryStore("")
	p, _ := newProcessorHarness(st)
	ctx := context.Background()

	if _, err := st.Create(ctx, model.NewThing("default", "t1")); err != nil {
		t.Fatal(err)
	}

	event := model.NewEvent("w", "default", "t1", model.Message{
		Wakeup: &model.WakeupMessage{Reasons: []model.WakerReason{model.WakerReasonReconcile}},
	})
	if err := p.handle(ctx, event); err != nil {
		t.Fatal(err)
	}

	// nothing to reconcile: the wakeup is a no-op and persists nothing
	stored, _ := st.Get(ctx, "default", "t1")
	if stored.Metadata.Generation != 1 {
		t.Fatalf("idle wakeup must not bump the generation: %d", stored.Metadata.Generation)
	}
}

func TestUpdaterFor(t *testing.T) {
	cases := []struct {
		name    string
		message model.Message
		wantErr bool
	}{
		{"reportState", model.Message{ReportState: &model.ReportStateMessage{State: map[string]any{}}}, false},
		{"patch", model.Message{Patch: json.RawMessage(`[]`)}, false},
		{"merge", model.Message{Merge: json.RawMessage(`{}`)}, false},
		{"wakeup", model.Message{Wakeup: &model.WakeupMessage{}}, false},
		{"setDesired", model.Message{SetDesiredValues: map[string]model.SetDesiredValue{"a": {Value: 1}}}, false},
		{"empty", model.Message{}, true},
	}
	for _, tc := range cases {
		_, err := UpdaterFor(tc.message)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: unexpected result: %v", tc.name, err)
		}
	}
}
