package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/TwinForge/engine/eventing"
	"github.com/itskum47/TwinForge/engine/machine"
	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/script"
	"github.com/itskum47/TwinForge/engine/store"
)

// fakeRuntime lets tests script the machine deterministically.
type fakeRuntime struct {
	handlers map[string]func(input map[string]any) (*script.Result, error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{handlers: map[string]func(input map[string]any) (*script.Result, error){}}
}

func (f *fakeRuntime) on(name string, handler func(input map[string]any) (*script.Result, error)) {
	f.handlers[name] = handler
}

func (f *fakeRuntime) Run(ctx context.Context, name, source string, input any, deadline time.Time) (*script.Result, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	if handler, ok := f.handlers[name]; ok {
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, err
		}
		return handler(decoded)
	}
	return &script.Result{ReturnValue: json.RawMessage("null"), Context: data}, nil
}

type harness struct {
	service  *Service
	store    *store.MemoryStore
	bus      *eventing.MemoryEventBus
	commands *eventing.MemoryCommandSink
	notifier *eventing.MemoryNotificationSink
}

func newHarness(runtime script.Runtime) *harness {
	st := store.NewMemoryStore("")
	bus := eventing.NewMemoryEventBus(64)
	commands := eventing.NewMemoryCommandSink()
	notifications := eventing.NewMemoryNotificationSink()
	svc := New(st, machine.New(runtime), bus, commands, notifications)
	return &harness{service: svc, store: st, bus: bus, commands: commands, notifier: notifications}
}

func TestCreateAndReportMerge(t *testing.T) {
	h := newHarness(newFakeRuntime())
	ctx := context.Background()
	id := NewID("default", "t1")

	created, err := h.service.Create(ctx, model.NewThing("default", "t1"))
	if err != nil {
		t.Fatal(err)
	}
	if created.Metadata.Generation != 1 || created.Metadata.UID == "" {
		t.Fatalf("unexpected create metadata: %+v", created.Metadata)
	}

	notificationsBefore := len(h.notifier.Notified())

	updater := ReportedStateUpdater{State: map[string]any{"foo": "bar"}, Mode: UpdateModeMerge}
	updated, err := h.service.Update(ctx, id, updater, UpdateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if updated.Metadata.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", updated.Metadata.Generation)
	}
	if updated.Metadata.ResourceVersion == created.Metadata.ResourceVersion {
		t.Fatal("resource version must change")
	}
	if updated.ReportedState["foo"].Value != "bar" {
		t.Fatalf("reported state lost: %+v", updated.ReportedState)
	}
	if got := len(h.notifier.Notified()) - notificationsBefore; got != 1 {
		t.Fatalf("expected exactly one notification, got %d", got)
	}
	if len(h.commands.Commands()) != 0 {
		t.Fatalf("unexpected commands: %+v", h.commands.Commands())
	}

	// re-sending the identical report changes nothing and notifies no one
	notificationsBefore = len(h.notifier.Notified())
	again, err := h.service.Update(ctx, id, updater, UpdateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if again.Metadata.Generation != 2 {
		t.Fatalf("no-op update must not bump the generation, got %d", again.Metadata.Generation)
	}
	if got := len(h.notifier.Notified()) - notificationsBefore; got != 0 {
		t.Fatalf("no-op update must not notify, got %d notifications", got)
	}
}

func TestUpdateMissingThing(t *testing.T) {
	h := newHarness(newFakeRuntime())
	_, err := h.service.Update(context.Background(), NewID("default", "missing"), Identity, UpdateOptions{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

// emitterRuntime wires a changed hook that emits one outbox message per run.
func emitterRuntime() *fakeRuntime {
	runtime := newFakeRuntime()
	runtime.on("changed-emit", func(input map[string]any) (*script.Result, error) {
		ctx := map[string]any{
			"outbox": []any{map[string]any{
				"thing":   "device",
				"message": map[string]any{"merge": map[string]any{"seen": true}},
			}},
		}
		data, _ := json.Marshal(ctx)
		return &script.Result{ReturnValue: json.RawMessage("null"), Context: data}, nil
	})
	return runtime
}

func emitterThing() *model.Thing {
	thing := model.NewThing("default", "t1")
	thing.Reconciliation.Changed.Set("emit", model.Changed{Code: model.Code{JavaScript: "emit()"}})
	return thing
}

func TestOutboxDrainedOnSuccess(t *testing.T) {
	h := newHarness(emitterRuntime())
	ctx := context.Background()

	created, err := h.service.Create(ctx, emitterThing())
	if err != nil {
		t.Fatal(err)
	}

	sent := h.bus.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one published event, got %d", len(sent))
	}
	if sent[0].Application != "default" || sent[0].Thing != "device" {
		t.Fatalf("unexpected event target: %+v", sent[0])
	}
	if sent[0].ID == "" || sent[0].Timestamp.IsZero() {
		t.Fatalf("event envelope incomplete: %+v", sent[0])
	}

	// invariant: a drained outbox leaves neither entries nor the outbox
	// waker reason behind
	stored, err := h.store.Get(ctx, "default", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.OutboxEntries()) != 0 {
		t.Fatalf("outbox not drained: %+v", stored.OutboxEntries())
	}
	if stored.Internal != nil {
		for _, why := range stored.Internal.Waker.Why {
			if why == model.WakerReasonOutbox {
				t.Fatal("outbox waker reason must be cleared after drain")
			}
		}
	}
	if stored.Metadata.Generation != 2 {
		t.Fatalf("drain must persist the cleared outbox: %+v", stored.Metadata)
	}
}

func TestOutboxRetainedOnSinkFailure(t *testing.T) {
	h := newHarness(emitterRuntime())
	ctx := context.Background()

	if _, err := h.service.Create(ctx, emitterThing()); err != nil {
		t.Fatal(err)
	}

	h.bus.FailNext(errors.New("kafka down"))

	updater := ReportedStateUpdater{State: map[string]any{"foo": "bar"}, Mode: UpdateModeMerge}
	if _, err := h.service.Update(ctx, NewID("default", "t1"), updater, UpdateOptions{}); err != nil {
		t.Fatal(err)
	}

	stored, err := h.store.Get(ctx, "default", "t1")
	if err != nil {
		t.Fatal(err)
	}
	entries := stored.OutboxEntries()
	if len(entries) != 1 {
		t.Fatalf("failed publish must retain the event, got %d", len(entries))
	}
	if stored.Internal == nil || !containsReason(stored.Internal.Waker.Why, model.WakerReasonOutbox) {
		t.Fatal("outbox waker reason must be set while events are pending")
	}
	if !stored.Internal.Outbox.PostponedUntil.After(time.Now().Add(-time.Second)) {
		t.Fatalf("outbox must be postponed: %+v", stored.Internal.Outbox)
	}

	// a user-facing update now refuses to run
	if _, err := h.service.Update(ctx, NewID("default", "t1"), Identity, UpdateOptions{}); !errors.Is(err, ErrUncleanOutbox) {
		t.Fatalf("expected unclean outbox, got %v", err)
	}

	// the processor path ignores the postponement; the retained event goes
	// out together with the newly produced one, oldest first
	before := len(h.bus.Sent())
	if _, err := h.service.Update(ctx, NewID("default", "t1"),
		ReportedStateUpdater{State: map[string]any{"foo": "baz"}, Mode: UpdateModeMerge},
		UpdateOptions{IgnoreUncleanOutbox: true}); err != nil {
		t.Fatal(err)
	}

	sent := h.bus.Sent()[before:]
	if len(sent) != 2 {
		t.Fatalf("expected retained plus new event, got %d", len(sent))
	}
	if sent[0].ID != entries[0].ID {
		t.Fatal("retained event must be drained first")
	}

	stored, err = h.store.Get(ctx, "default", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.OutboxEntries()) != 0 {
		t.Fatalf("outbox not drained after retry: %+v", stored.OutboxEntries())
	}
}

func TestWakeupDrainsRetainedOutbox(t *testing.T) {
	// the hook emits only when the trigger feature changes, so an identity
	// update stays a structural no-op
	runtime := newFakeRuntime()
	runtime.on("changed-emit", func(input map[string]any) (*script.Result, error) {
		ctx := map[string]any{}
		if triggerOf(input["currentState"]) != triggerOf(input["newState"]) {
			ctx["outbox"] = []any{map[string]any{
				"thing":   "device",
				"message": map[string]any{"merge": map[string]any{"seen": true}},
			}}
		}
		data, _ := json.Marshal(ctx)
		return &script.Result{ReturnValue: json.RawMessage("null"), Context: data}, nil
	})
	h := newHarness(runtime)
	ctx := context.Background()

	if _, err := h.service.Create(ctx, emitterThing()); err != nil {
		t.Fatal(err)
	}

	// fail a drain so an event stays behind
	h.bus.FailNext(errors.New("kafka down"))
	if _, err := h.service.Update(ctx, NewID("default", "t1"),
		ReportedStateUpdater{State: map[string]any{"trigger": float64(1)}, Mode: UpdateModeMerge},
		UpdateOptions{}); err != nil {
		t.Fatal(err)
	}
	stored, _ := h.store.Get(ctx, "default", "t1")
	retained := stored.OutboxEntries()
	if len(retained) != 1 {
		t.Fatalf("expected one retained event, got %d", len(retained))
	}

	// the outbox wakeup arrives as an identity update; even though the
	// state does not change, the retained event is drained
	before := len(h.bus.Sent())
	if _, err := h.service.Update(ctx, NewID("default", "t1"), Identity, UpdateOptions{IgnoreUncleanOutbox: true}); err != nil {
		t.Fatal(err)
	}

	sent := h.bus.Sent()[before:]
	if len(sent) != 1 || sent[0].ID != retained[0].ID {
		t.Fatalf("retained event not drained: %+v", sent)
	}
	stored, _ = h.store.Get(ctx, "default", "t1")
	if len(stored.OutboxEntries()) != 0 {
		t.Fatalf("outbox not cleared: %+v", stored.OutboxEntries())
	}
}

func TestDeleteRunsDeletingHooks(t *testing.T) {
	runtime := newFakeRuntime()
	runtime.on("delete-unregister", func(input map[string]any) (*script.Result, error) {
		ctx := map[string]any{
			"outbox": []any{map[string]any{
				"thing":   "parent",
				"message": map[string]any{"merge": map[string]any{"children": map[string]any{"t1": nil}}},
			}},
		}
		data, _ := json.Marshal(ctx)
		return &script.Result{ReturnValue: json.RawMessage("null"), Context: data}, nil
	})
	h := newHarness(runtime)
	ctx := context.Background()

	thing := model.NewThing("default", "t1")
	thing.Reconciliation.Deleting.Set("unregister", model.Deleting{Code: model.Code{JavaScript: "x"}})
	if _, err := h.service.Create(ctx, thing); err != nil {
		t.Fatal(err)
	}

	before := len(h.bus.Sent())
	deleted, err := h.service.Delete(ctx, NewID("default", "t1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected a deletion")
	}

	sent := h.bus.Sent()[before:]
	if len(sent) != 1 || sent[0].Thing != "parent" {
		t.Fatalf("deleting hook outbox lost: %+v", sent)
	}

	if _, err := h.store.Get(ctx, "default", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("thing must be gone")
	}

	// deleting a missing thing is fine
	deleted, err = h.service.Delete(ctx, NewID("default", "t1"), nil)
	if err != nil || deleted {
		t.Fatalf("expected a clean no-op, got %v/%v", deleted, err)
	}
}

func TestNotifierFailureDoesNotFailUpdate(t *testing.T) {
	h := newHarness(newFakeRuntime())
	ctx := context.Background()

	if _, err := h.service.Create(ctx, model.NewThing("default", "t1")); err != nil {
		t.Fatal(err)
	}

	h.notifier.FailNext(errors.New("notifier down"))
	updater := ReportedStateUpdater{State: map[string]any{"foo": "bar"}, Mode: UpdateModeMerge}
	updated, err := h.service.Update(ctx, NewID("default", "t1"), updater, UpdateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Metadata.Generation != 2 {
		t.Fatal("update must proceed despite the notifier failure")
	}
}

func TestTenantIsolation(t *testing.T) {
	st := store.NewMemoryStore("tenant-a")
	bus := eventing.NewMemoryEventBus(8)
	svc := New(st, machine.New(newFakeRuntime()), bus, eventing.NewMemoryCommandSink(), eventing.NewMemoryNotificationSink())
	ctx := context.Background()

	if _, err := svc.Create(ctx, model.NewThing("tenant-b", "t1")); !errors.Is(err, store.ErrNotAllowed) {
		t.Fatalf("expected not-allowed, got %v", err)
	}
	if _, err := svc.Get(ctx, NewID("tenant-b", "t1")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign tenants must look empty, got %v", err)
	}
	if _, err := svc.Create(ctx, model.NewThing("tenant-a", "t1")); err != nil {
		t.Fatal(err)
	}
}

// triggerOf digs the trigger feature value out of a serialized thing.
func triggerOf(state any) any {
	thing, _ := state.(map[string]any)
	reported, _ := thing["reportedState"].(map[string]any)
	feature, _ := reported["trigger"].(map[string]any)
	return feature["value"]
}

func containsReason(reasons []model.WakerReason, want model.WakerReason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
