// Package script executes user-supplied JavaScript with a structured input
// and a hard deadline. Scripts see a `context` global carrying the state
// views and collect side effects (outbox messages, logs) on it; the caller
// reads the mutated context and the completion value back as JSON.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	gocache "github.com/patrickmn/go-cache"

	"github.com/itskum47/TwinForge/engine/observability"
)

// ErrTimeout is returned when a script did not finish before its deadline.
var ErrTimeout = errors.New("script execution timed out")

// ScriptError is a failure raised by the script itself (syntax error,
// uncaught exception).
type ScriptError struct {
	Name string
	Msg  string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %q failed: %s", e.Name, e.Msg)
}

// SerializationError is a failure converting input or output between Go and
// the script world.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("script serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Result is the outcome of a script run.
type Result struct {
	// ReturnValue is the completion value of the script, as JSON. Null when
	// the script completed without a value.
	ReturnValue json.RawMessage
	// Context is the final state of the `context` global, as JSON.
	Context json.RawMessage
}

// Runtime executes a named script against a structured input. Each call is
// independent; implementations may reuse engine state across calls but must
// not leak it between them.
type Runtime interface {
	Run(ctx context.Context, name, source string, input any, deadline time.Time) (*Result, error)
}

// prelude provides the host functions scripts use to talk back. It runs
// before the user source in the same VM.
const prelude = `
if (typeof context !== "object" || context === null) { context = {}; }
if (!Array.isArray(context.outbox)) { context.outbox = []; }
if (!Array.isArray(context.logs)) { context.logs = []; }
function log(msg) { context.logs.push(String(msg)); }
function sendMessage(thing, message) { context.outbox.push({ thing: thing, message: message }); }
`

// maxCallStackSize bounds script recursion. The embedded engine offers no
// heap-limit callback, so the deadline interrupt plus this stack bound are
// the resource guards of a run.
const maxCallStackSize = 4096

// GojaRuntime runs scripts on an embedded ECMAScript engine. Compiled
// programs are cached per source.
type GojaRuntime struct {
	programs       *gocache.Cache
	preludeProgram *goja.Program
}

// NewGojaRuntime creates a runtime with a compiled-program cache.
func NewGojaRuntime() *GojaRuntime {
	return &GojaRuntime{
		programs:       gocache.New(time.Hour, 10*time.Minute),
		preludeProgram: goja.MustCompile("prelude", prelude, true),
	}
}

func (r *GojaRuntime) compile(name, source string) (*goja.Program, error) {
	if cached, ok := r.programs.Get(source); ok {
		return cached.(*goja.Program), nil
	}
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, &ScriptError{Name: name, Msg: err.Error()}
	}
	r.programs.Set(source, prog, gocache.DefaultExpiration)
	return prog, nil
}

// Run executes the script. The run is aborted at or before the deadline, and
// when the surrounding context is cancelled.
func (r *GojaRuntime) Run(ctx context.Context, name, source string, input any, deadline time.Time) (*Result, error) {
	start := time.Now()
	defer func() {
		observability.ScriptRuntimeSeconds.Observe(time.Since(start).Seconds())
	}()

	if !time.Now().Before(deadline) {
		return nil, ErrTimeout
	}

	prog, err := r.compile(name, source)
	if err != nil {
		return nil, err
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	// build the context inside the VM, so that the arrays scripts push to
	// (logs, outbox) are native and read back with their new entries
	parse, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	contextValue, err := parse(goja.Undefined(), vm.ToValue(string(inputJSON)))
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	if err := vm.Set("context", contextValue); err != nil {
		return nil, &ScriptError{Name: name, Msg: err.Error()}
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if _, err := vm.RunProgram(r.preludeProgram); err != nil {
		return nil, &ScriptError{Name: name, Msg: err.Error()}
	}

	value, err := vm.RunProgram(prog)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrTimeout
		}
		return nil, &ScriptError{Name: name, Msg: err.Error()}
	}

	return r.extract(name, vm, value)
}

func (r *GojaRuntime) extract(name string, vm *goja.Runtime, value goja.Value) (*Result, error) {
	result := &Result{ReturnValue: json.RawMessage("null")}

	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		encoded, err := json.Marshal(value.Export())
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		result.ReturnValue = encoded
	}

	contextOut := vm.Get("context")
	if contextOut == nil || goja.IsUndefined(contextOut) || goja.IsNull(contextOut) {
		return nil, &ScriptError{Name: name, Msg: "script removed the context"}
	}
	encoded, err := json.Marshal(contextOut.Export())
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	result.Context = encoded

	return result, nil
}
