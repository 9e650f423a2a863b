package model

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"
)

// Thing is the digital-twin aggregate, identified by (application, name).
// The internal section is engine bookkeeping and is stripped before a thing
// leaves the system.
type Thing struct {
	Metadata Metadata `json:"metadata"`

	Schema *Schema `json:"schema,omitempty"`

	ReportedState  map[string]ReportedFeature  `json:"reportedState,omitempty"`
	DesiredState   map[string]DesiredFeature   `json:"desiredState,omitempty"`
	SyntheticState map[string]SyntheticFeature `json:"syntheticState,omitempty"`

	Reconciliation Reconciliation `json:"reconciliation,omitzero"`

	Internal *Internal `json:"internal,omitempty"`
}

// Metadata carries the identity and bookkeeping of a thing. uid,
// creationTimestamp, application and name never change after create;
// generation and resourceVersion are owned by the storage layer.
type Metadata struct {
	Name        string `json:"name"`
	Application string `json:"application"`

	UID               string    `json:"uid,omitempty"`
	CreationTimestamp time.Time `json:"creationTimestamp,omitzero"`
	DeletionTimestamp time.Time `json:"deletionTimestamp,omitzero"`

	Generation      int64  `json:"generation,omitempty"`
	ResourceVersion string `json:"resourceVersion,omitempty"`

	Annotations map[string]string `json:"annotations,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Schema optionally validates the state view of a thing.
type Schema struct {
	JSON *JSONSchema `json:"json,omitempty"`
}

// JSONSchema is a JSON schema document of a specific draft. Only draft-7 is
// supported, and external references are rejected during validation.
type JSONSchema struct {
	Version string          `json:"version"`
	Schema  json.RawMessage `json:"schema"`
}

// SchemaVersionDraft7 is the only accepted JSONSchema version.
const SchemaVersionDraft7 = "draft7"

// ReportedFeature is a single value observed from the device. The timestamp
// only advances when the value actually changes.
type ReportedFeature struct {
	LastUpdate time.Time `json:"lastUpdate"`
	Value      any       `json:"value"`
}

// ReportedFeatureNow creates a reported feature stamped with the current time.
func ReportedFeatureNow(value any) ReportedFeature {
	return ReportedFeature{Value: value, LastUpdate: time.Now().UTC()}
}

// SyntheticFeature is a value derived from the rest of the state, either by
// aliasing a reported feature or by running a script.
type SyntheticFeature struct {
	SyntheticType
	LastUpdate time.Time `json:"lastUpdate"`
	Value      any       `json:"value"`
}

// SyntheticType selects how a synthetic value is computed. Exactly one field
// is set.
type SyntheticType struct {
	JavaScript string `json:"javaScript,omitempty"`
	Alias      string `json:"alias,omitempty"`
}

// ThingState is the flattened state view of a thing: metadata plus plain
// value maps. It is what a configured schema validates against.
type ThingState struct {
	Metadata       Metadata       `json:"metadata"`
	ReportedState  map[string]any `json:"reportedState,omitempty"`
	DesiredState   map[string]any `json:"desiredState,omitempty"`
	SyntheticState map[string]any `json:"syntheticState,omitempty"`
}

// NewThing creates an empty thing for the given identity.
func NewThing(application, name string) *Thing {
	return &Thing{
		Metadata: Metadata{
			Name:        name,
			Application: application,
		},
	}
}

// State projects the thing onto its flat state view.
func (t *Thing) State() ThingState {
	state := ThingState{Metadata: t.Metadata}
	if len(t.ReportedState) > 0 {
		state.ReportedState = map[string]any{}
		for k, v := range t.ReportedState {
			state.ReportedState[k] = v.Value
		}
	}
	if len(t.DesiredState) > 0 {
		state.DesiredState = map[string]any{}
		for k, v := range t.DesiredState {
			state.DesiredState[k] = v.Value
		}
	}
	if len(t.SyntheticState) > 0 {
		state.SyntheticState = map[string]any{}
		for k, v := range t.SyntheticState {
			state.SyntheticState[k] = v.Value
		}
	}
	return state
}

// Clone returns a deep copy of the thing by round-tripping through JSON.
func (t *Thing) Clone() *Thing {
	data, err := json.Marshal(t)
	if err != nil {
		// a thing assembled from JSON documents always marshals
		panic(err)
	}
	var out Thing
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// Equal reports structural equality of two things based on their canonical
// JSON form.
func (t *Thing) Equal(other *Thing) bool {
	if t == nil || other == nil {
		return t == other
	}
	a, err := json.Marshal(t)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// StripInternal returns a copy of the thing with the internal section
// removed, for emission on external interfaces.
func (t *Thing) StripInternal() *Thing {
	out := t.Clone()
	out.Internal = nil
	return out
}

// ValueEqual compares two JSON-decoded values structurally.
func ValueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
