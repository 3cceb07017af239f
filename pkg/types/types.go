package types

import (
	"fmt"
	"time"
)

// ConnectionState is the lifecycle state of a single driven connection
// ARCHITECTURAL DISCOVERY: Ordered as an int32 so handles can hold it in an
// atomic and transition with compare-and-swap instead of a mutex
type ConnectionState int32

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateActive
	StateClosed
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// RampState tracks the controller state machine
type RampState int32

const (
	RampIdle RampState = iota
	RampRamping
	RampComplete
	RampInterrupted
)

func (s RampState) String() string {
	switch s {
	case RampIdle:
		return "idle"
	case RampRamping:
		return "ramping"
	case RampComplete:
		return "complete"
	case RampInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Census is a point-in-time count of registered connections
// FUNCTIONAL DISCOVERY: Inactive is Closed+Errored. Attempts that never
// started are not part of the census; they live in FailedAttempts on Report
type Census struct {
	Active   int `json:"active"`
	Closed   int `json:"closed"`
	Errored  int `json:"errored"`
	Inactive int `json:"inactive"`
	Total    int `json:"total"`
}

// AttemptFailure records one start attempt that did not register
type AttemptFailure struct {
	ClientID string    `json:"client_id"`
	Cause    string    `json:"cause"`
	At       time.Time `json:"at"`
}

// BatchResult is the telemetry of a single settled batch
type BatchResult struct {
	Seq        int              `json:"seq"`
	Size       int              `json:"size"`
	Registered int              `json:"registered"`
	Failures   []AttemptFailure `json:"failures,omitempty"`
	LaunchedAt time.Time        `json:"launched_at"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// Failed returns the number of attempts in the batch that did not register
func (b BatchResult) Failed() int {
	return len(b.Failures)
}

// Progress is the live view of a ramp
type Progress struct {
	State      RampState     `json:"state"`
	Requested  int           `json:"requested"`
	Launched   int           `json:"launched"`
	Registered int           `json:"registered"`
	Failed     int           `json:"failed"`
	Batches    int           `json:"batches"`
	Elapsed    time.Duration `json:"elapsed"`
}

// RampSummary is returned when the ramp stops, complete or interrupted
type RampSummary struct {
	Progress
	BatchSizes []int `json:"batch_sizes"`
}

// Report is the final (or on-demand) run report
// FUNCTIONAL DISCOVERY: FailedAttempts and Closed/Errored are kept apart
// even though both reduce the active count
type Report struct {
	Endpoint       string        `json:"endpoint"`
	Requested      int           `json:"requested"`
	Running        time.Duration `json:"running"`
	RampElapsed    time.Duration `json:"ramp_elapsed"`
	RampState      RampState     `json:"ramp_state"`
	Census         Census        `json:"census"`
	FailedAttempts int           `json:"failed_attempts"`
	Faults         int64         `json:"faults"`
}

// MarshalText renders the state by name in JSON and logs
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MarshalText renders the state by name in JSON and logs
func (s RampState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name written by MarshalText
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for c := StateNew; c <= StateErrored; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("%w: connection state %q", ErrUnknownState, text)
}

// UnmarshalText parses a name written by MarshalText
func (s *RampState) UnmarshalText(text []byte) error {
	for r := RampIdle; r <= RampInterrupted; r++ {
		if r.String() == string(text) {
			*s = r
			return nil
		}
	}
	return fmt.Errorf("%w: ramp state %q", ErrUnknownState, text)
}
