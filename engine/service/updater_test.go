package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/itskum47/TwinForge/engine/model"
)

func thingWithReported(values map[string]any) *model.Thing {
	thing := model.NewThing("default", "t1")
	thing.ReportedState = map[string]model.ReportedFeature{}
	for k, v := range values {
		thing.ReportedState[k] = model.ReportedFeature{Value: v, LastUpdate: time.Now().UTC().Add(-time.Hour)}
	}
	return thing
}

func TestReportedStateMerge(t *testing.T) {
	thing := thingWithReported(map[string]any{"keep": "old"})

	updated, err := ReportedStateUpdater{
		State: map[string]any{"foo": "bar"},
		Mode:  UpdateModeMerge,
	}.Update(thing)
	if err != nil {
		t.Fatal(err)
	}

	if updated.ReportedState["foo"].Value != "bar" {
		t.Fatalf("merged value missing: %+v", updated.ReportedState)
	}
	if updated.ReportedState["keep"].Value != "old" {
		t.Fatal("merge must keep untouched features")
	}
}

func TestReportedStateReplace(t *testing.T) {
	old := time.Now().UTC().Add(-time.Hour)
	thing := model.NewThing("default", "t1")
	thing.ReportedState = map[string]model.ReportedFeature{
		"same": {Value: "v", LastUpdate: old},
		"gone": {Value: "x", LastUpdate: old},
	}

	updated, err := ReportedStateUpdater{
		State: map[string]any{"same": "v", "new": "n"},
		Mode:  UpdateModeReplace,
	}.Update(thing)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := updated.ReportedState["gone"]; ok {
		t.Fatal("replace must drop absent features")
	}
	if !updated.ReportedState["same"].LastUpdate.Equal(old) {
		t.Fatal("replace must keep the timestamp of an unchanged value")
	}
	if _, ok := updated.ReportedState["new"]; !ok {
		t.Fatal("replace must add new features")
	}
}

func TestJSONPatchUpdater(t *testing.T) {
	thing := model.NewThing("default", "t1")
	thing.Metadata.Labels = map[string]string{"env": "dev"}

	patch := json.RawMessage(`[{"op": "replace", "path": "/metadata/labels/env", "value": "prod"}]`)
	updated, err := JSONPatchUpdater{Patch: patch}.Update(thing)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Metadata.Labels["env"] != "prod" {
		t.Fatalf("patch not applied: %+v", updated.Metadata.Labels)
	}

	// a broken patch surfaces as an error, not a panic
	if _, err := (JSONPatchUpdater{Patch: json.RawMessage(`[{"op": "bogus"}]`)}).Update(thing.Clone()); err == nil {
		t.Fatal("expected an error")
	}
}

func TestJSONMergeUpdaterRoundTrip(t *testing.T) {
	thing := model.NewThing("default", "t1")
	thing.Metadata.Labels = map[string]string{"env": "dev"}

	// a no-op merge leaves the thing structurally equal
	updated, err := JSONMergeUpdater{Merge: json.RawMessage(`{}`)}.Update(thing.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Equal(thing) {
		t.Fatal("no-op merge must not change the thing")
	}

	updated, err = JSONMergeUpdater{Merge: json.RawMessage(`{"metadata":{"labels":{"env":"prod"}}}`)}.Update(thing.Clone())
	if err != nil {
		t.Fatal(err)
	}
	if updated.Metadata.Labels["env"] != "prod" {
		t.Fatalf("merge not applied: %+v", updated.Metadata.Labels)
	}
}

func TestDesiredStateUpdaterCreatesWithDefaults(t *testing.T) {
	thing := model.NewThing("default", "t1")

	updated, err := DesiredStateUpdater{
		Name: "temp",
		Doc:  DesiredStateUpdate{Value: json.RawMessage(`22`)},
	}.Update(thing)
	if err != nil {
		t.Fatal(err)
	}

	feature := updated.DesiredState["temp"]
	if feature.Value != float64(22) {
		t.Fatalf("value not set: %v", feature.Value)
	}
	if feature.Mode != model.ModeSync {
		t.Fatalf("default mode must be sync, got %q", feature.Mode)
	}
	if feature.Method.Kind != model.MethodExternal {
		t.Fatalf("default method must be external, got %q", feature.Method.Kind)
	}
	if feature.Reconciliation.State != model.StateReconciling {
		t.Fatalf("new features start reconciling, got %+v", feature.Reconciliation)
	}
}

func TestDesiredStateUpdaterValidFor(t *testing.T) {
	thing := model.NewThing("default", "t1")

	updated, err := DesiredStateUpdater{
		Name: "temp",
		Doc: DesiredStateUpdate{
			Value:    json.RawMessage(`22`),
			ValidFor: model.Duration(10 * time.Minute),
		},
	}.Update(thing)
	if err != nil {
		t.Fatal(err)
	}

	validUntil := updated.DesiredState["temp"].ValidUntil
	if validUntil.IsZero() || time.Until(validUntil) > 10*time.Minute || time.Until(validUntil) < 9*time.Minute {
		t.Fatalf("validFor not resolved: %v", validUntil)
	}
}

func TestDesiredStateValueUpdaterUnknownFeature(t *testing.T) {
	thing := model.NewThing("default", "t1")
	_, err := DesiredStateValueUpdater{
		Values: map[string]model.SetDesiredValue{"missing": {Value: 1}},
	}.Update(thing)
	if err == nil {
		t.Fatal("setting an unknown desired feature must fail")
	}
}

func TestAnnotationsUpdater(t *testing.T) {
	thing := model.NewThing("default", "t1")

	updated, err := SetAnnotation("test", "true").Update(thing)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Metadata.Annotations["test"] != "true" {
		t.Fatalf("annotation not set: %+v", updated.Metadata.Annotations)
	}

	updated, err = AnnotationsUpdater{Annotations: map[string]*string{"test": nil}}.Update(updated)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := updated.Metadata.Annotations["test"]; ok {
		t.Fatal("nil value must remove the annotation")
	}
}

func TestMapValueInserterAndRemover(t *testing.T) {
	thing := model.NewThing("default", "t1")

	thing, _ = MapValueInserter{Feature: "$children", Key: "id1"}.Update(thing)
	thing, _ = MapValueInserter{Feature: "$children", Key: "id2"}.Update(thing)

	children := thing.ReportedState["$children"].Value.(map[string]any)
	if len(children) != 2 {
		t.Fatalf("unexpected children: %v", children)
	}

	thing, _ = MapValueRemover{Feature: "$children", Key: "id1"}.Update(thing)
	children = thing.ReportedState["$children"].Value.(map[string]any)
	if _, ok := children["id1"]; ok || len(children) != 1 {
		t.Fatalf("removal failed: %v", children)
	}
}

func TestCleanupMarksDeletion(t *testing.T) {
	thing := model.NewThing("default", "t1")
	thing.ReportedState = map[string]model.ReportedFeature{
		"$children": {Value: map[string]any{}, LastUpdate: time.Now().UTC()},
	}

	updated, err := Cleanup{Feature: "$children"}.Update(thing)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Metadata.DeletionTimestamp.IsZero() {
		t.Fatal("empty reference must schedule deletion")
	}

	populated := model.NewThing("default", "t2")
	populated.ReportedState = map[string]model.ReportedFeature{
		"$children": {Value: map[string]any{"id1": nil}, LastUpdate: time.Now().UTC()},
	}
	updated, err = Cleanup{Feature: "$children"}.Update(populated)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.Metadata.DeletionTimestamp.IsZero() {
		t.Fatal("populated reference must not schedule deletion")
	}
}

func TestChain(t *testing.T) {
	thing := model.NewThing("default", "t1")

	updated, err := Chain(
		SetAnnotation("a", "1"),
		SetAnnotation("b", "2"),
	).Update(thing)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Metadata.Annotations["a"] != "1" || updated.Metadata.Annotations["b"] != "2" {
		t.Fatalf("chain incomplete: %+v", updated.Metadata.Annotations)
	}
}
