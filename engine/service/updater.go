package service

import (
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/itskum47/TwinForge/engine/model"
)

// Updater transforms a thing into its mutated successor. Updaters run
// between loading the current state and the machine run; they never touch
// storage themselves.
type Updater interface {
	Update(thing *model.Thing) (*model.Thing, error)
}

// UpdaterFunc adapts a function to the Updater interface.
type UpdaterFunc func(thing *model.Thing) (*model.Thing, error)

func (f UpdaterFunc) Update(thing *model.Thing) (*model.Thing, error) {
	return f(thing)
}

// Identity leaves the thing untouched; a wakeup still runs the full
// reconciliation.
var Identity = UpdaterFunc(func(thing *model.Thing) (*model.Thing, error) {
	return thing, nil
})

// Chain runs updaters in order, feeding each the output of the previous.
func Chain(updaters ...Updater) Updater {
	return UpdaterFunc(func(thing *model.Thing) (*model.Thing, error) {
		var err error
		for _, u := range updaters {
			thing, err = u.Update(thing)
			if err != nil {
				return nil, err
			}
		}
		return thing, nil
	})
}

// Replace swaps the whole thing for the provided document. Metadata is
// preserved by the machine afterwards.
type Replace struct {
	Thing *model.Thing
}

func (u Replace) Update(*model.Thing) (*model.Thing, error) {
	return u.Thing.Clone(), nil
}

// UpdateMode selects between merging into and replacing the reported state.
type UpdateMode string

const (
	UpdateModeMerge   UpdateMode = "merge"
	UpdateModeReplace UpdateMode = "replace"
)

// UpdateModeFromPartial maps the wire flag onto the mode.
func UpdateModeFromPartial(partial bool) UpdateMode {
	if partial {
		return UpdateModeMerge
	}
	return UpdateModeReplace
}

// ReportedStateUpdater applies a reported-state report. Timestamps of
// touched features are finalized by the machine's reported-state sync.
type ReportedStateUpdater struct {
	State map[string]any
	Mode  UpdateMode
}

func (u ReportedStateUpdater) Update(thing *model.Thing) (*model.Thing, error) {
	if thing.ReportedState == nil {
		thing.ReportedState = map[string]model.ReportedFeature{}
	}
	switch u.Mode {
	case UpdateModeMerge:
		for key, value := range u.State {
			if current, ok := thing.ReportedState[key]; ok {
				current.Value = value
				thing.ReportedState[key] = current
			} else {
				thing.ReportedState[key] = model.ReportedFeatureNow(value)
			}
		}
	case UpdateModeReplace:
		newState := map[string]model.ReportedFeature{}
		for key, value := range u.State {
			if current, ok := thing.ReportedState[key]; ok && model.ValueEqual(current.Value, value) {
				newState[key] = current
			} else {
				newState[key] = model.ReportedFeatureNow(value)
			}
		}
		thing.ReportedState = newState
	default:
		return nil, fmt.Errorf("unknown update mode %q", u.Mode)
	}
	return thing, nil
}

// JSONPatchUpdater applies an RFC 6902 JSON patch to the serialized thing.
type JSONPatchUpdater struct {
	Patch json.RawMessage
}

func (u JSONPatchUpdater) Update(thing *model.Thing) (*model.Thing, error) {
	patch, err := jsonpatch.DecodePatch(u.Patch)
	if err != nil {
		return nil, fmt.Errorf("decoding patch: %w", err)
	}
	doc, err := json.Marshal(thing)
	if err != nil {
		return nil, err
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("applying patch: %w", err)
	}
	var out model.Thing
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("decoding patched thing: %w", err)
	}
	return &out, nil
}

// JSONMergeUpdater applies an RFC 7386 merge patch to the serialized thing.
type JSONMergeUpdater struct {
	Merge json.RawMessage
}

func (u JSONMergeUpdater) Update(thing *model.Thing) (*model.Thing, error) {
	doc, err := json.Marshal(thing)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(doc, u.Merge)
	if err != nil {
		return nil, fmt.Errorf("applying merge patch: %w", err)
	}
	var out model.Thing
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decoding merged thing: %w", err)
	}
	return &out, nil
}

// SyntheticStateUpdater sets (or re-types) a synthetic feature. The value is
// computed by the next machine run.
type SyntheticStateUpdater struct {
	Name string
	Type model.SyntheticType
}

func (u SyntheticStateUpdater) Update(thing *model.Thing) (*model.Thing, error) {
	if thing.SyntheticState == nil {
		thing.SyntheticState = map[string]model.SyntheticFeature{}
	}
	if current, ok := thing.SyntheticState[u.Name]; ok {
		current.SyntheticType = u.Type
		thing.SyntheticState[u.Name] = current
	} else {
		thing.SyntheticState[u.Name] = model.SyntheticFeature{
			SyntheticType: u.Type,
			LastUpdate:    time.Now().UTC(),
		}
	}
	return thing, nil
}

// DesiredStateUpdate is the flexible update document for a desired feature.
// Absent fields keep their current value, except the validity bound: an
// update without validUntil or validFor clears it.
type DesiredStateUpdate struct {
	Value      json.RawMessage              `json:"value,omitempty"`
	ValidUntil time.Time                    `json:"validUntil,omitzero"`
	ValidFor   model.Duration               `json:"validFor,omitzero"`
	Mode       model.DesiredMode            `json:"mode,omitempty"`
	Recon      *model.DesiredReconciliation `json:"reconciliation,omitempty"`
	Method     *model.DesiredMethod         `json:"method,omitempty"`
}

// DesiredStateUpdater applies a DesiredStateUpdate to one desired feature,
// creating it with defaults when absent.
type DesiredStateUpdater struct {
	Name string
	Doc  DesiredStateUpdate
}

func (u DesiredStateUpdater) Update(thing *model.Thing) (*model.Thing, error) {
	if thing.DesiredState == nil {
		thing.DesiredState = map[string]model.DesiredFeature{}
	}

	validUntil := u.Doc.ValidUntil
	if validUntil.IsZero() && u.Doc.ValidFor > 0 {
		validUntil = time.Now().UTC().Add(u.Doc.ValidFor.Std())
	}

	var value any
	if len(u.Doc.Value) > 0 {
		if err := json.Unmarshal(u.Doc.Value, &value); err != nil {
			return nil, fmt.Errorf("decoding desired value: %w", err)
		}
	}

	if current, ok := thing.DesiredState[u.Name]; ok {
		if len(u.Doc.Value) > 0 {
			current.Value = value
		}
		current.ValidUntil = validUntil
		if u.Doc.Recon != nil {
			current.Reconciliation = *u.Doc.Recon
		}
		if u.Doc.Method != nil {
			current.Method = *u.Doc.Method
		}
		if u.Doc.Mode != "" {
			current.Mode = u.Doc.Mode
		}
		thing.DesiredState[u.Name] = current
	} else {
		feature := model.DesiredFeature{
			Value:          value,
			LastUpdate:     time.Now().UTC(),
			ValidUntil:     validUntil,
			Reconciliation: model.Reconciling(),
			Method:         model.DesiredMethod{Kind: model.MethodExternal},
			Mode:           model.ModeSync,
		}
		if u.Doc.Recon != nil {
			feature.Reconciliation = *u.Doc.Recon
		}
		if u.Doc.Method != nil {
			feature.Method = *u.Doc.Method
		}
		if u.Doc.Mode != "" {
			feature.Mode = u.Doc.Mode
		}
		thing.DesiredState[u.Name] = feature
	}
	return thing, nil
}

// DesiredStateValueUpdater sets the values of existing desired features. It
// fails when any of the features does not exist.
type DesiredStateValueUpdater struct {
	Values map[string]model.SetDesiredValue
}

func (u DesiredStateValueUpdater) Update(thing *model.Thing) (*model.Thing, error) {
	var missing []string
	for name, set := range u.Values {
		feature, ok := thing.DesiredState[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		feature.Value = set.Value
		feature.ValidUntil = set.ValidUntil
		thing.DesiredState[name] = feature
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("unknown desired features: %v", missing)
	}
	return thing, nil
}

// AnnotationsUpdater sets annotations; a nil value removes the annotation.
type AnnotationsUpdater struct {
	Annotations map[string]*string
}

// SetAnnotation builds an updater for a single annotation.
func SetAnnotation(key, value string) AnnotationsUpdater {
	return AnnotationsUpdater{Annotations: map[string]*string{key: &value}}
}

func (u AnnotationsUpdater) Update(thing *model.Thing) (*model.Thing, error) {
	for key, value := range u.Annotations {
		if value == nil {
			delete(thing.Metadata.Annotations, key)
			continue
		}
		if thing.Metadata.Annotations == nil {
			thing.Metadata.Annotations = map[string]string{}
		}
		thing.Metadata.Annotations[key] = *value
	}
	return thing, nil
}

// ReconciliationUpdater replaces the reconciliation hooks of the thing.
type ReconciliationUpdater struct {
	Reconciliation model.Reconciliation
}

func (u ReconciliationUpdater) Update(thing *model.Thing) (*model.Thing, error) {
	thing.Reconciliation = u.Reconciliation
	return thing, nil
}

// MapValueInserter adds a key with a null value to an object-valued reported
// feature, creating the feature when needed. Hierarchy scripts use it to
// register children under "$children".
type MapValueInserter struct {
	Feature string
	Key     string
}

func (u MapValueInserter) Update(thing *model.Thing) (*model.Thing, error) {
	if thing.ReportedState == nil {
		thing.ReportedState = map[string]model.ReportedFeature{}
	}
	feature, ok := thing.ReportedState[u.Feature]
	if ok {
		if fields, isObj := feature.Value.(map[string]any); isObj {
			fields[u.Key] = nil
			thing.ReportedState[u.Feature] = feature
			return thing, nil
		}
	}
	thing.ReportedState[u.Feature] = model.ReportedFeatureNow(map[string]any{u.Key: nil})
	return thing, nil
}

// MapValueRemover removes a key from an object-valued reported feature.
type MapValueRemover struct {
	Feature string
	Key     string
}

func (u MapValueRemover) Update(thing *model.Thing) (*model.Thing, error) {
	if feature, ok := thing.ReportedState[u.Feature]; ok {
		if fields, isObj := feature.Value.(map[string]any); isObj {
			delete(fields, u.Key)
			thing.ReportedState[u.Feature] = feature
		}
	}
	return thing, nil
}

// Cleanup marks the thing for deletion when the given reported feature is
// empty. Hierarchy maintenance uses it to remove parents once the last
// child unregistered.
type Cleanup struct {
	Feature string
}

func (u Cleanup) Update(thing *model.Thing) (*model.Thing, error) {
	feature, ok := thing.ReportedState[u.Feature]
	empty := true
	if ok {
		switch value := feature.Value.(type) {
		case map[string]any:
			empty = len(value) == 0
		case []any:
			empty = len(value) == 0
		}
	}
	if empty {
		thing.Metadata.DeletionTimestamp = time.Now().UTC()
	}
	return thing, nil
}
