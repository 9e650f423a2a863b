package model

import (
	"encoding/json"
	"time"
)

// Duration is a time.Duration that serializes as a human-readable string
// ("30s", "5m") on the wire, matching the document format of timers and
// command reconciliation periods.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// IsZero reports whether the duration is zero, for `omitzero`.
func (d Duration) IsZero() bool {
	return d == 0
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
