package model

import "time"

// Code is a user-supplied script. Only JavaScript is supported.
type Code struct {
	JavaScript string `json:"javaScript"`
}

// Reconciliation holds the user-defined hooks of a thing. The maps preserve
// insertion order; changed scripts run in exactly that order.
type Reconciliation struct {
	Changed  OrderedMap[Changed]  `json:"changed,omitzero"`
	Timers   OrderedMap[Timer]    `json:"timers,omitzero"`
	Deleting OrderedMap[Deleting] `json:"deleting,omitzero"`
}

// IsZero reports whether no hooks are configured, for `omitzero`.
func (r Reconciliation) IsZero() bool {
	return r.Changed.IsZero() && r.Timers.IsZero() && r.Deleting.IsZero()
}

// Changed is a hook that runs on every state change.
type Changed struct {
	Code
	// LastLog holds the log lines of the most recent run.
	LastLog []string `json:"lastLog,omitempty"`
}

// Timer is a hook that runs periodically, driven by the waker.
type Timer struct {
	Code
	// Period between runs.
	Period Duration `json:"period"`
	// Stopped pauses the timer without removing it.
	Stopped bool `json:"stopped,omitempty"`
	// LastStarted is when the timer (re-)started ticking.
	LastStarted time.Time `json:"lastStarted,omitzero"`
	// LastRun is when the timer last fired.
	LastRun time.Time `json:"lastRun,omitzero"`
	// LastLog holds the log lines of the most recent run.
	LastLog []string `json:"lastLog,omitempty"`
	// InitialDelay postpones the first run. Without it, the timer fires as
	// soon as it is configured.
	InitialDelay Duration `json:"initialDelay,omitzero"`
}

// Deleting is a hook that runs once before the thing is removed.
type Deleting struct {
	Code
}
