package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// DesiredFeature is a value the system wants the device to apply, together
// with the bookkeeping of how and how successfully it is being reconciled.
type DesiredFeature struct {
	// Value is the desired value. If unset, nothing is reconciled.
	Value any `json:"value"`
	// Mode controls if and how long the value is driven towards the device.
	Mode DesiredMode `json:"mode,omitempty"`
	// LastUpdate is the timestamp the desired value last changed.
	LastUpdate time.Time `json:"lastUpdate"`
	// ValidUntil optionally bounds how long the desired value is worth
	// reconciling.
	ValidUntil time.Time `json:"validUntil,omitzero"`

	Reconciliation DesiredReconciliation `json:"reconciliation"`
	Method         DesiredMethod         `json:"method"`
}

// DesiredMode is the reconciliation mode of a desired feature.
type DesiredMode string

const (
	// ModeOnce reconciles once, ending in success or failure.
	ModeOnce DesiredMode = "once"
	// ModeSync keeps desired and reported state in sync, returning from
	// success to reconciling when the reported state deviates while the
	// value is still valid. This is the default.
	ModeSync DesiredMode = "sync"
	// ModeDisabled turns reconciliation off.
	ModeDisabled DesiredMode = "disabled"
)

// OrDefault resolves the empty mode to the default (sync).
func (m DesiredMode) OrDefault() DesiredMode {
	if m == "" {
		return ModeSync
	}
	return m
}

// ReconciliationState enumerates the states of a desired feature.
type ReconciliationState string

const (
	StateReconciling ReconciliationState = "reconciling"
	StateSucceeded   ReconciliationState = "succeeded"
	StateFailed      ReconciliationState = "failed"
	StateDisabled    ReconciliationState = "disabled"
)

// DesiredReconciliation is the current reconciliation state of a desired
// feature. LastAttempt is only meaningful while reconciling, When for the
// terminal states, Reason for failures.
type DesiredReconciliation struct {
	State       ReconciliationState `json:"state"`
	LastAttempt time.Time           `json:"lastAttempt,omitzero"`
	When        time.Time           `json:"when,omitzero"`
	Reason      string              `json:"reason,omitempty"`
}

// Reconciling returns a fresh reconciling state with no attempt recorded.
func Reconciling() DesiredReconciliation {
	return DesiredReconciliation{State: StateReconciling}
}

// Succeeded returns a succeeded state stamped with when.
func Succeeded(when time.Time) DesiredReconciliation {
	return DesiredReconciliation{State: StateSucceeded, When: when}
}

// Failed returns a failed state stamped with when and an optional reason.
func Failed(when time.Time, reason string) DesiredReconciliation {
	return DesiredReconciliation{State: StateFailed, When: when, Reason: reason}
}

// Disabled returns a disabled state stamped with when.
func Disabled(when time.Time) DesiredReconciliation {
	return DesiredReconciliation{State: StateDisabled, When: when}
}

// MethodKind selects how a desired feature is reconciled.
type MethodKind string

const (
	// MethodManual performs no processing beyond tracking the state.
	MethodManual MethodKind = "manual"
	// MethodExternal expects an external process to reconcile; the system
	// still tracks reported state against the desired value. The default.
	MethodExternal MethodKind = "external"
	// MethodCommand reconciles by periodically sending device commands.
	MethodCommand MethodKind = "command"
	// MethodCode reconciles through a user script.
	MethodCode MethodKind = "code"
)

// DesiredMethod is the reconciliation method of a desired feature. On the
// wire it is either the plain strings "manual" / "external", or an object
// {"command": {...}} / {"code": {...}}.
type DesiredMethod struct {
	Kind    MethodKind
	Command *CommandMethod
	Code    *Code
}

// CommandMethod reconciles a desired value by sending commands to a device.
type CommandMethod struct {
	// Period between reconciliation attempts.
	Period Duration `json:"period"`
	// Mode controls whether commands are sent actively when the period
	// expires (via the waker) or only passively on the next run.
	Mode CommandMode `json:"mode,omitempty"`
	// Encoding of the outgoing command. When absent, the channel annotation
	// of the thing or raw encoding is used.
	Encoding *CommandEncoding `json:"encoding,omitempty"`
}

// CommandMode is the activity mode of command-based reconciliation.
type CommandMode string

const (
	CommandActive  CommandMode = "active"
	CommandPassive CommandMode = "passive"
)

// OrDefault resolves the empty mode to the default (passive).
func (m CommandMode) OrDefault() CommandMode {
	if m == "" {
		return CommandPassive
	}
	return m
}

// CommandEncoding describes how desired values become command payloads. On
// the wire: {"remap": {...}}, {"channel": "..."} or "raw".
type CommandEncoding struct {
	Remap   *RemapEncoding
	Channel string
	Raw     bool
}

// RemapEncoding redirects the command to another device and channel,
// aggregating values into one JSON object keyed by feature name.
type RemapEncoding struct {
	Device  string `json:"device"`
	Channel string `json:"channel"`
}

func (e CommandEncoding) MarshalJSON() ([]byte, error) {
	switch {
	case e.Remap != nil:
		return json.Marshal(map[string]*RemapEncoding{"remap": e.Remap})
	case e.Channel != "":
		return json.Marshal(map[string]string{"channel": e.Channel})
	default:
		return json.Marshal("raw")
	}
}

func (e *CommandEncoding) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "raw" {
			return fmt.Errorf("unknown command encoding %q", s)
		}
		*e = CommandEncoding{Raw: true}
		return nil
	}
	var obj struct {
		Remap   *RemapEncoding `json:"remap"`
		Channel string         `json:"channel"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = CommandEncoding{Remap: obj.Remap, Channel: obj.Channel}
	return nil
}

func (m DesiredMethod) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case MethodManual, MethodExternal:
		return json.Marshal(string(m.Kind))
	case MethodCommand:
		return json.Marshal(map[string]*CommandMethod{"command": m.Command})
	case MethodCode:
		return json.Marshal(map[string]*Code{"code": m.Code})
	case "":
		return json.Marshal(string(MethodExternal))
	default:
		return nil, fmt.Errorf("unknown desired method %q", m.Kind)
	}
}

func (m *DesiredMethod) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch MethodKind(s) {
		case MethodManual, MethodExternal:
			*m = DesiredMethod{Kind: MethodKind(s)}
			return nil
		default:
			return fmt.Errorf("unknown desired method %q", s)
		}
	}
	var obj struct {
		Command *CommandMethod `json:"command"`
		Code    *Code          `json:"code"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	switch {
	case obj.Command != nil:
		*m = DesiredMethod{Kind: MethodCommand, Command: obj.Command}
	case obj.Code != nil:
		*m = DesiredMethod{Kind: MethodCode, Code: obj.Code}
	default:
		return fmt.Errorf("desired method object must carry command or code")
	}
	return nil
}

// OrDefault resolves the zero method to the default (external).
func (m DesiredMethod) OrDefault() DesiredMethod {
	if m.Kind == "" {
		return DesiredMethod{Kind: MethodExternal}
	}
	return m
}
