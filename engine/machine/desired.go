package machine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/itskum47/TwinForge/engine/model"
)

// Annotations consulted when building device commands.
const (
	// AnnotationDevice overrides the device a command is addressed to; the
	// thing name is used otherwise.
	AnnotationDevice = "twinforge.io/device"
	// AnnotationChannel provides the default channel for command-based
	// reconciliation without an explicit encoding.
	AnnotationChannel = "twinforge.io/channel"
)

// reconcileDesiredState runs the desired-state machine and then the
// reconciliation methods of all features still reconciling.
func (r *reconciler) reconcileDesiredState(ctx context.Context) error {
	r.syncDesiredState()

	builder := newCommandBuilder()

	for _, name := range sortedKeys(r.new.DesiredState) {
		desired := r.new.DesiredState[name]
		if desired.Reconciliation.State != model.StateReconciling {
			continue
		}

		var err error
		switch desired.Method.OrDefault().Kind {
		case model.MethodManual, model.MethodExternal:
			// nothing to do
		case model.MethodCommand:
			desired, err = r.reconcileByCommand(name, desired, builder)
		case model.MethodCode:
			desired, err = r.reconcileByCode(ctx, name, desired, builder)
		}
		if err != nil {
			return err
		}
		r.new.DesiredState[name] = desired
	}

	commands, err := builder.build(r.new.Metadata.Application)
	if err != nil {
		return &ReconcileError{Err: err}
	}
	r.commands = append(r.commands, commands...)
	return nil
}

// syncDesiredState applies the per-feature state machine, comparing the
// desired value with the reported (or synthetic) one.
func (r *reconciler) syncDesiredState() {
	for _, name := range sortedKeys(r.new.DesiredState) {
		desired := r.new.DesiredState[name]

		// a changed desired value or validity restarts reconciliation
		if previous, ok := r.current.DesiredState[name]; ok {
			if !model.ValueEqual(previous.Value, desired.Value) || !previous.ValidUntil.Equal(desired.ValidUntil) {
				desired.Reconciliation = model.Reconciling()
				desired.LastUpdate = r.now
			}
		}

		if desired.Method.OrDefault().Kind == model.MethodManual {
			r.new.DesiredState[name] = desired
			continue
		}

		reported := r.reportedValue(name)
		state := desired.Reconciliation.State
		mode := desired.Mode.OrDefault()

		switch {
		case state == model.StateDisabled && mode == model.ModeDisabled:
			// already disabled, nothing to do

		case mode == model.ModeDisabled:
			desired.Reconciliation = model.Disabled(r.now)

		case state == model.StateDisabled:
			// re-enabled
			switch {
			case model.ValueEqual(reported, desired.Value):
				desired.Reconciliation = model.Succeeded(r.now)
			case r.stillValid(desired.ValidUntil):
				desired.Reconciliation = model.Reconciling()
				if !desired.ValidUntil.IsZero() {
					r.new.WakeupAt(desired.ValidUntil, model.WakerReasonReconcile)
				}
			default:
				desired.Reconciliation = model.Failed(r.now, "Activated reconciliation with expired value")
			}

		case state == model.StateSucceeded && mode == model.ModeSync:
			if !model.ValueEqual(reported, desired.Value) && r.stillValid(desired.ValidUntil) {
				desired.Reconciliation = model.Reconciling()
				if !desired.ValidUntil.IsZero() {
					r.new.WakeupAt(desired.ValidUntil, model.WakerReasonReconcile)
				}
			}

		case state == model.StateSucceeded || state == model.StateFailed:
			// terminal for once-mode and failures

		case state == model.StateReconciling:
			switch {
			case model.ValueEqual(reported, desired.Value):
				desired.Reconciliation = model.Succeeded(r.now)
			case !desired.ValidUntil.IsZero() && !desired.ValidUntil.After(r.now):
				desired.Reconciliation = model.Failed(r.now, "")
			case !desired.ValidUntil.IsZero():
				r.new.WakeupAt(desired.ValidUntil, model.WakerReasonReconcile)
			}
		}

		r.new.DesiredState[name] = desired
	}
}

// reportedValue resolves the value a desired feature is compared against:
// the synthetic value wins over the reported one.
func (r *reconciler) reportedValue(name string) any {
	if feature, ok := r.new.SyntheticState[name]; ok {
		return feature.Value
	}
	if feature, ok := r.new.ReportedState[name]; ok {
		return feature.Value
	}
	return nil
}

// stillValid reports whether a validity bound has not yet expired. An unset
// bound is always valid.
func (r *reconciler) stillValid(validUntil time.Time) bool {
	return validUntil.IsZero() || validUntil.After(r.now)
}

func (r *reconciler) commandDevice() string {
	if device, ok := r.new.Metadata.Annotations[AnnotationDevice]; ok {
		return device
	}
	return r.new.Metadata.Name
}

// reconcileByCommand implements the command method: at most one attempt per
// period, with active mode re-scheduling the waker for the next attempt.
func (r *reconciler) reconcileByCommand(name string, desired model.DesiredFeature, builder *commandBuilder) (model.DesiredFeature, error) {
	method := desired.Method.Command
	period := method.Period.Std()
	active := method.Mode.OrDefault() == model.CommandActive

	if !desired.Reconciliation.LastAttempt.IsZero() {
		due := desired.Reconciliation.LastAttempt.Add(period)
		if due.After(r.now) {
			if active {
				r.new.WakeupAt(due, model.WakerReasonReconcile)
			}
			return desired, nil
		}
	}

	desired.Reconciliation.LastAttempt = r.now
	if active {
		r.new.WakeupAt(r.now.Add(period), model.WakerReasonReconcile)
	}

	encoding := method.Encoding
	if encoding == nil {
		if channel, ok := r.new.Metadata.Annotations[AnnotationChannel]; ok {
			encoding = &model.CommandEncoding{Channel: channel}
		} else {
			encoding = &model.CommandEncoding{Raw: true}
		}
	}

	device := r.commandDevice()
	switch {
	case encoding.Remap != nil:
		builder.pushChannel(encoding.Remap.Device, encoding.Remap.Channel, name, desired.Value)
	case encoding.Channel != "":
		builder.pushChannel(device, encoding.Channel, name, desired.Value)
	default:
		payload, err := json.Marshal(desired.Value)
		if err != nil {
			return desired, &ReconcileError{Err: err}
		}
		builder.pushCommand(model.Command{
			Device:  device,
			Channel: name,
			Payload: payload,
		})
	}

	return desired, nil
}

// desiredScriptContext is the shape of the context global after a desired
// reconciliation script ran.
type desiredScriptContext struct {
	Waker    model.Duration  `json:"waker"`
	Commands []scriptCommand `json:"commands"`
}

// scriptCommand is a command as produced by a reconciliation script.
type scriptCommand struct {
	Device  string          `json:"device"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// reconcileByCode runs the user script of a code-method feature. The
// attempt only counts when the script produced commands.
func (r *reconciler) reconcileByCode(ctx context.Context, name string, desired model.DesiredFeature, builder *commandBuilder) (model.DesiredFeature, error) {
	input := map[string]any{
		"value":  desired.Value,
		"action": actionDesiredReconciliation,
	}
	if !desired.Reconciliation.LastAttempt.IsZero() {
		input["lastAttempt"] = desired.Reconciliation.LastAttempt
	}

	result, err := r.machine.runtime.Run(ctx, name, desired.Method.Code.JavaScript, input, r.deadline)
	if err != nil {
		return desired, &ReconcileError{Err: err}
	}

	var out desiredScriptContext
	if err := decodeContext(result, &out); err != nil {
		return desired, &ReconcileError{Err: err}
	}

	if out.Waker > 0 {
		r.new.WakeupAt(r.now.Add(out.Waker.Std()), model.WakerReasonReconcile)
	}

	if len(out.Commands) > 0 {
		desired.Reconciliation.LastAttempt = r.now
		for _, cmd := range out.Commands {
			device := cmd.Device
			if device == "" {
				device = r.commandDevice()
			}
			builder.pushCommand(model.Command{
				Device:  device,
				Channel: cmd.Channel,
				Payload: cmd.Payload,
			})
		}
	}

	return desired, nil
}

// commandBuilder aggregates channel-encoded values by (device, channel) and
// collects raw commands.
type commandBuilder struct {
	channels map[string]map[string]map[string]any
	commands []model.Command
}

func newCommandBuilder() *commandBuilder {
	return &commandBuilder{channels: map[string]map[string]map[string]any{}}
}

func (b *commandBuilder) pushChannel(device, channel, name string, value any) {
	if b.channels[device] == nil {
		b.channels[device] = map[string]map[string]any{}
	}
	if b.channels[device][channel] == nil {
		b.channels[device][channel] = map[string]any{}
	}
	b.channels[device][channel][name] = value
}

func (b *commandBuilder) pushCommand(command model.Command) {
	b.commands = append(b.commands, command)
}

// build stamps the application onto all commands and flattens the channel
// aggregates into one command per (device, channel).
func (b *commandBuilder) build(application string) ([]model.Command, error) {
	commands := b.commands

	devices := make([]string, 0, len(b.channels))
	for device := range b.channels {
		devices = append(devices, device)
	}
	sort.Strings(devices)

	for _, device := range devices {
		channels := make([]string, 0, len(b.channels[device]))
		for channel := range b.channels[device] {
			channels = append(channels, channel)
		}
		sort.Strings(channels)

		for _, channel := range channels {
			payload, err := json.Marshal(b.channels[device][channel])
			if err != nil {
				return nil, err
			}
			commands = append(commands, model.Command{
				Device:  device,
				Channel: channel,
				Payload: payload,
			})
		}
	}

	for i := range commands {
		commands[i].Application = application
	}
	return commands, nil
}
