package interfaces

import (
	"context"

	"crank/pkg/types"
)

// RunRecorder appends run telemetry to durable storage
// FUNCTIONAL DISCOVERY: Append-only. Nothing in the driver reads prior runs
// back, so the process stays stateless across runs
type RunRecorder interface {
	// BeginRun records the start of a run and returns its ID
	BeginRun(ctx context.Context, endpoint string, requested, batchSize int, intervalMS int64) (string, error)

	// RecordBatch stores one settled batch with its failures
	RecordBatch(ctx context.Context, runID string, batch types.BatchResult) error

	// FinishRun stores the final report of a run
	FinishRun(ctx context.Context, runID string, report types.Report) error

	// HealthCheck verifies the store is usable
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and releases the store
	Close() error
}
