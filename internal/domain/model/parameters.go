package model

import "time"

// DefaultTimeoutDays is the escrow duration used when neither the caller nor
// the governance advisory service supplies one.
const DefaultTimeoutDays = 60

// Parameters are the tunable knobs applied when an escrow is created.
type Parameters struct {
	TimeoutDays int
	Source      ParametersSource
}

// DefaultParameters is the named fallback strategy used whenever the advisory
// service is unreachable or returns something unusable.
func DefaultParameters() Parameters {
	return Parameters{TimeoutDays: DefaultTimeoutDays, Source: ParametersSourceDefault}
}

// Deadline returns the absolute deadline for an escrow created at now.
func (p Parameters) Deadline(now time.Time) time.Time {
	return now.Add(time.Duration(p.TimeoutDays) * 24 * time.Hour)
}
