package census

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"crank/internal/fault"
)

// Reporter logs a census line on a fixed interval
type Reporter struct {
	run    Run
	faults *fault.Observer
	log    *log.Entry
}

// NewReporter creates a reporter over run
func NewReporter(run Run, logger *log.Entry) *Reporter {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	faults := run.Faults
	if faults == nil {
		faults = fault.NewObserver(logger)
	}
	return &Reporter{
		run:    run,
		faults: faults,
		log:    logger.WithField("component", "census"),
	}
}

// Run logs until ctx ends. A non-positive interval disables reporting
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	defer r.faults.Recover("census reporter")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.logReport(now)
		}
	}
}

func (r *Reporter) logReport(now time.Time) {
	report := r.run.Report(now)
	r.log.WithFields(log.Fields{
		"active":  report.Census.Active,
		"closed":  report.Census.Closed,
		"errored": report.Census.Errored,
		"failed":  report.FailedAttempts,
		"ramp":    report.RampState.String(),
		"running": report.Running.Round(time.Second).String(),
	}).Infof("Connections %d/%d active", report.Census.Active, report.Requested)
}
