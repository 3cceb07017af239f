// Package database appends run telemetry to a SQLite run log.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	dbconfig "crank/pkg/database"
	"crank/pkg/interfaces"
	"crank/pkg/types"
)

// Manager implements interfaces.RunRecorder on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // Single-writer queue
	shutdown     chan struct{}
	stopped      chan struct{} // Closed when writeLoop has exited
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // Protect closed
	retryDelay   time.Duration
	log          *log.Entry
}

var _ interfaces.RunRecorder = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens (creating if needed) the run log at config.DatabasePath,
// applies the embedded migrations and starts the writer goroutine
func NewManager(config *dbconfig.Config, logger *log.Entry) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.NewMigrationManager(db, dbconfig.Migrations()).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, config.WriteBuffer),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		retryDelay:   time.Second,
		log:          logger.WithField("component", "database"),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.execute(op)

		case <-m.shutdown:
			// Drain what was queued before Close so no writer is left waiting
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- m.execute(op)
				default:
					m.log.Debug("Database write loop shutting down")
					return
				}
			}
		}
	}
}

// execute runs op, retrying once when SQLite reports the database busy
func (m *Manager) execute(op writeOperation) error {
	err := op.operation(m.db)
	if err != nil && retryable(err) {
		m.log.Warnf("Database write failed, retrying in %s: %v", m.retryDelay, err)
		time.Sleep(m.retryDelay)
		err = op.operation(m.db)
		if err != nil {
			m.log.Errorf("Database write failed after retry: %v", err)
		}
	}
	return err
}

// TECHNICAL DISCOVERY: Only lock contention is transient. Constraint and
// schema errors fail the same way on a retry
func retryable(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrShuttingDown
	}

	select {
	case err := <-result:
		return err
	case <-m.stopped:
		select {
		case err := <-result:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

// BeginRun inserts the run row and returns its generated ID
func (m *Manager) BeginRun(ctx context.Context, endpoint string, requested, batchSize int, intervalMS int64) (string, error) {
	id := uuid.NewString()
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO runs (id, endpoint, requested, batch_size, interval_ms, started_at, ramp_state)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err := db.ExecContext(ctx, query,
			id,
			endpoint,
			requested,
			batchSize,
			intervalMS,
			time.Now().UTC(),
			types.RampRamping.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RecordBatch stores a settled batch and its failures atomically
func (m *Manager) RecordBatch(ctx context.Context, runID string, batch types.BatchResult) error {
	if runID == "" {
		return ErrEmptyRunID
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO batches (run_id, seq, size, registered, failed, launched_at, elapsed_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			runID,
			batch.Seq,
			batch.Size,
			batch.Registered,
			batch.Failed(),
			batch.LaunchedAt.UTC(),
			batch.Elapsed.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch %d: %w", batch.Seq, err)
		}

		if len(batch.Failures) > 0 {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO failures (run_id, seq, client_id, cause, failed_at)
				VALUES (?, ?, ?, ?, ?)
			`)
			if err != nil {
				return fmt.Errorf("failed to prepare failure insert: %w", err)
			}
			defer func() { _ = stmt.Close() }()

			for _, f := range batch.Failures {
				if _, err := stmt.ExecContext(ctx, runID, batch.Seq, f.ClientID, f.Cause, f.At.UTC()); err != nil {
					return fmt.Errorf("failed to insert failure: %w", err)
				}
			}
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit batch %d: %w", batch.Seq, err)
		}
		return nil
	})
}

// FinishRun stores the final report on the run row
func (m *Manager) FinishRun(ctx context.Context, runID string, report types.Report) error {
	if runID == "" {
		return ErrEmptyRunID
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			UPDATE runs
			SET finished_at = ?, ramp_state = ?, running_ms = ?, active = ?,
				closed = ?, errored = ?, failed_attempts = ?, faults = ?
			WHERE id = ?
		`
		res, err := db.ExecContext(ctx, query,
			time.Now().UTC(),
			report.RampState.String(),
			report.Running.Milliseconds(),
			report.Census.Active,
			report.Census.Closed,
			report.Census.Errored,
			report.FailedAttempts,
			report.Faults,
			runID,
		)
		if err != nil {
			return fmt.Errorf("failed to update run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if n == 0 {
			return ErrRunNotFound
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains queued writes and closes the database
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
