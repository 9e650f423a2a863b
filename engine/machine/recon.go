package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/itskum47/TwinForge/engine/model"
	"github.com/itskum47/TwinForge/engine/observability"
	"github.com/itskum47/TwinForge/engine/script"
)

// Script actions, visible to scripts as context.action.
const (
	actionChanged               = "changed"
	actionTimer                 = "timer"
	actionDeleting              = "deleting"
	actionSynthetic             = "synthetic"
	actionDesiredReconciliation = "desiredReconciliation"
)

// reconciler carries the state of a single run. The order of the steps in
// run is fixed and load-bearing.
type reconciler struct {
	machine  *Machine
	now      time.Time
	deadline time.Time

	current *model.Thing
	new     *model.Thing

	outbox   []model.OutboxMessage
	commands []model.Command
}

func (r *reconciler) run(ctx context.Context) (*Outcome, error) {
	r.cleanup()

	if err := r.generateSynthetics(ctx); err != nil {
		return nil, err
	}
	if err := r.reconcileChanged(ctx); err != nil {
		return nil, err
	}
	if err := r.reconcileTimers(ctx); err != nil {
		return nil, err
	}
	if err := r.reconcileDesiredState(ctx); err != nil {
		return nil, err
	}
	r.syncReportedState()

	return &Outcome{
		NewThing: r.new,
		Outbox:   r.outbox,
		Commands: r.commands,
	}, nil
}

func (r *reconciler) cleanup() {
	// the run re-evaluates every reconcile wakeup from scratch
	r.new.ClearWakeup(model.WakerReasonReconcile)

	// clear previous logs, otherwise they accumulate run over run
	for _, name := range r.new.Reconciliation.Changed.Keys() {
		changed, _ := r.new.Reconciliation.Changed.Get(name)
		changed.LastLog = nil
		r.new.Reconciliation.Changed.Set(name, changed)
	}
}

// syncReportedState restores the last-update timestamp of unchanged reported
// values and stamps changed ones with now.
func (r *reconciler) syncReportedState() {
	for k, next := range r.new.ReportedState {
		previous, ok := r.current.ReportedState[k]
		if !ok {
			continue
		}
		if model.ValueEqual(previous.Value, next.Value) {
			next.LastUpdate = previous.LastUpdate
		} else {
			next.LastUpdate = r.now
		}
		r.new.ReportedState[k] = next
	}
}

func (r *reconciler) generateSynthetics(ctx context.Context) error {
	snapshot := r.new.Clone()

	for _, name := range sortedKeys(r.new.SyntheticState) {
		syn := r.new.SyntheticState[name]
		value, err := r.runSynthetic(ctx, name, syn.SyntheticType, snapshot)
		if err != nil {
			return err
		}
		if !model.ValueEqual(syn.Value, value) {
			syn.Value = value
			syn.LastUpdate = r.now
			r.new.SyntheticState[name] = syn
		}
	}
	return nil
}

func (r *reconciler) runSynthetic(ctx context.Context, name string, typ model.SyntheticType, snapshot *model.Thing) (any, error) {
	switch {
	case typ.Alias != "":
		if feature, ok := snapshot.ReportedState[typ.Alias]; ok {
			return feature.Value, nil
		}
		return nil, nil
	case typ.JavaScript != "":
		input := map[string]any{
			"newState": snapshot,
			"action":   actionSynthetic,
		}
		result, err := r.machine.runtime.Run(ctx, name, typ.JavaScript, input, r.deadline)
		if err != nil {
			return nil, &ReconcileError{Err: err}
		}
		var value any
		if err := json.Unmarshal(result.ReturnValue, &value); err != nil {
			return nil, &ReconcileError{Err: err}
		}
		return value, nil
	default:
		return nil, nil
	}
}

func (r *reconciler) reconcileChanged(ctx context.Context) error {
	for _, name := range r.new.Reconciliation.Changed.Keys() {
		changed, _ := r.new.Reconciliation.Changed.Get(name)
		logs, err := r.runCode(ctx, "changed-"+name, actionChanged, changed.Code)
		if err != nil {
			return err
		}
		changed.LastLog = logs
		// the script may have replaced the thing; write the entry back into
		// the current view of the hooks
		r.new.Reconciliation.Changed.Set(name, changed)
	}
	return nil
}

func (r *reconciler) reconcileTimers(ctx context.Context) error {
	for _, name := range r.new.Reconciliation.Timers.Keys() {
		timer, _ := r.new.Reconciliation.Timers.Get(name)

		if timer.Stopped {
			timer.LastStarted = time.Time{}
			r.new.Reconciliation.Timers.Set(name, timer)
			continue
		}

		if timer.LastStarted.IsZero() {
			timer.LastStarted = r.now
		}

		var due time.Time
		switch {
		case !timer.LastRun.IsZero():
			due = findNextRunFrom(timer.LastStarted, timer.Period.Std(), timer.LastRun)
		case timer.InitialDelay > 0:
			due = timer.LastStarted.Add(timer.InitialDelay.Std())
		default:
			due = r.now
		}

		next := due
		if !due.After(r.now) {
			observability.TimerDelay.Observe(r.now.Sub(due).Seconds())

			logs, err := r.runCode(ctx, "timer-"+name, actionTimer, timer.Code)
			if err != nil {
				return err
			}
			timer.LastLog = logs
			timer.LastRun = r.now
			next = findNextRunFrom(timer.LastStarted, timer.Period.Std(), r.now)
		}
		r.new.WakeupAt(next, model.WakerReasonReconcile)

		r.new.Reconciliation.Timers.Set(name, timer)
	}
	return nil
}

// scriptContext is the shape of the context global after a changed or timer
// script ran.
type scriptContext struct {
	NewState *model.Thing          `json:"newState"`
	Outbox   []model.OutboxMessage `json:"outbox"`
	Logs     []string              `json:"logs"`
	Waker    model.Duration        `json:"waker"`
}

func (r *reconciler) runCode(ctx context.Context, name, action string, code model.Code) ([]string, error) {
	input := map[string]any{
		"currentState": r.current,
		"newState":     r.new,
		"action":       action,
		"outbox":       []any{},
		"logs":         []any{},
	}

	result, err := r.machine.runtime.Run(ctx, name, code.JavaScript, input, r.deadline)
	if err != nil {
		return nil, &ReconcileError{Err: err}
	}

	var out scriptContext
	if err := decodeContext(result, &out); err != nil {
		return nil, &ReconcileError{Err: err}
	}

	if out.NewState != nil {
		r.new = out.NewState
	}
	if out.Waker > 0 {
		r.new.WakeupAt(r.now.Add(out.Waker.Std()), model.WakerReasonReconcile)
	}
	r.outbox = append(r.outbox, out.Outbox...)

	return out.Logs, nil
}

func decodeContext(result *script.Result, out any) error {
	if len(result.Context) == 0 {
		return fmt.Errorf("script returned no context")
	}
	return json.Unmarshal(result.Context, out)
}

// findNextRunFrom advances from lastStarted in whole periods until the
// result lies strictly after now.
func findNextRunFrom(lastStarted time.Time, period time.Duration, now time.Time) time.Time {
	if period <= 0 {
		return now
	}
	diff := now.Sub(lastStarted)
	if diff < 0 {
		return now
	}
	periods := diff/period + 1
	return lastStarted.Add(periods * period)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
