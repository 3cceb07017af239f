// Package census counts driven connections by state and renders run reports.
package census

import (
	"fmt"
	"io"
	"time"

	"crank/internal/connection"
	"crank/internal/fault"
	"crank/pkg/types"
)

// Take counts the registry's current snapshot
// TECHNICAL DISCOVERY: The snapshot is a prefix view, so a census taken while
// the ramp is registering only ever undercounts by in-flight registrations
func Take(registry *connection.Registry) types.Census {
	var c types.Census
	if registry == nil {
		return c
	}
	for _, h := range registry.Snapshot() {
		switch h.State() {
		case types.StateActive:
			c.Active++
		case types.StateClosed:
			c.Closed++
		case types.StateErrored:
			c.Errored++
		}
		c.Total++
	}
	c.Inactive = c.Closed + c.Errored
	return c
}

// Run binds together what a report is built from
type Run struct {
	Endpoint  string
	Requested int
	StartedAt time.Time
	Registry  *connection.Registry
	// Progress is nil when no ramp was started
	Progress func() types.Progress
	Faults   *fault.Observer
}

// Report builds the run report as of now
func (r Run) Report(now time.Time) types.Report {
	report := types.Report{
		Endpoint:  r.Endpoint,
		Requested: r.Requested,
		Census:    Take(r.Registry),
		RampState: types.RampIdle,
	}
	if !r.StartedAt.IsZero() {
		report.Running = now.Sub(r.StartedAt)
	}
	if r.Progress != nil {
		p := r.Progress()
		report.RampState = p.State
		report.RampElapsed = p.Elapsed
		report.FailedAttempts = p.Failed
	}
	if r.Faults != nil {
		report.Faults = r.Faults.Count()
	}
	return report
}

// FinalReport builds the report printed when the run stops
func FinalReport(run Run) types.Report {
	return run.Report(time.Now())
}

// Print writes the console report
func Print(w io.Writer, report types.Report) error {
	lines := []struct {
		format string
		arg    any
	}{
		{"Total Running time: %s\n", report.Running},
		{"End point: %s\n", report.Endpoint},
		{"Total connections: %d\n", report.Requested},
		{"Active connections: %d\n", report.Census.Active},
		{"Stopped connections: %d\n", report.Census.Inactive},
		{"Failed attempts: %d\n", report.FailedAttempts},
		{"Ramp: %s\n", report.RampState},
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, l.format, l.arg); err != nil {
			return err
		}
	}
	if report.Faults > 0 {
		if _, err := fmt.Fprintf(w, "Unobserved faults: %d\n", report.Faults); err != nil {
			return err
		}
	}
	return nil
}
