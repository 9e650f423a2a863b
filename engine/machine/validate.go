package machine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/itskum47/TwinForge/engine/model"
)

// schemaCache holds compiled schemas keyed by their document. Things with a
// schema go through validation on every update, so compilation is hoisted.
var schemaCache = gocache.New(time.Hour, 10*time.Minute)

// validate checks the flat state view of the thing against its configured
// schema, if any.
func (m *Machine) validate(thing *model.Thing) error {
	if thing.Schema == nil {
		return nil
	}
	if thing.Schema.JSON == nil {
		return &ValidationError{Msg: "unsupported schema type"}
	}
	if thing.Schema.JSON.Version != model.SchemaVersionDraft7 {
		return &ValidationError{Msg: fmt.Sprintf("unsupported schema version %q", thing.Schema.JSON.Version)}
	}

	compiled, err := compileSchema(thing.Schema.JSON.Schema)
	if err != nil {
		return &ValidationError{Msg: fmt.Sprintf("failed to compile schema: %v", err)}
	}

	stateJSON, err := json.Marshal(thing.State())
	if err != nil {
		return fmt.Errorf("failed serializing thing state: %w", err)
	}
	var state any
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return fmt.Errorf("failed serializing thing state: %w", err)
	}

	if err := compiled.Validate(state); err != nil {
		return &ValidationError{Msg: "new state did not validate against configured schema"}
	}
	return nil
}

func compileSchema(document json.RawMessage) (*jsonschema.Schema, error) {
	key := string(document)
	if cached, ok := schemaCache.Get(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	// external references are rejected: thing schemas must be self-contained
	compiler.LoadURL = func(url string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("schema resolving is not allowed")
	}
	if err := compiler.AddResource("thing-state.json", strings.NewReader(key)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("thing-state.json")
	if err != nil {
		return nil, err
	}

	schemaCache.Set(key, compiled, gocache.DefaultExpiration)
	return compiled, nil
}
