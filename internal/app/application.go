// Package app wires the ramp, the registry and the optional status server
// and run log into one run of the driver.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"crank/internal/api"
	"crank/internal/census"
	"crank/internal/config"
	"crank/internal/connection"
	"crank/internal/database"
	"crank/internal/fault"
	"crank/internal/limits"
	"crank/internal/ramp"
	"crank/internal/websocket"
	pkgdatabase "crank/pkg/database"
	"crank/pkg/interfaces"
	"crank/pkg/types"
)

// stopParallelism bounds concurrent close handshakes when ramp workers are
// unbounded
const stopParallelism = 64

var ErrNotStarted = errors.New("application not started")

// Application coordinates one run
// ARCHITECTURAL DISCOVERY: Initialization follows dependency order:
// Faults → Registry → Executor → Controller → RunLog → API
type Application struct {
	config     *config.Config
	log        *log.Entry
	faults     *fault.Observer
	registry   *connection.Registry
	shutdown   *atomic.Bool
	controller *ramp.Controller
	recorder   interfaces.RunRecorder
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	runID     string
	cancel    context.CancelFunc
	rampDone  chan struct{}
	summary   *types.RampSummary

	stopOnce   sync.Once
	stopReport types.Report
	stopErr    error
}

// NewApplication validates cfg and builds every component. sessions may be
// nil to dial real WebSocket sessions
func NewApplication(cfg *config.Config, sessions interfaces.SessionFactory) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.WithField("endpoint", cfg.Endpoint)
	faults := fault.NewObserver(logger)

	if sessions == nil {
		sessions = websocket.Factory(websocket.Options{
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			ReadBufferSize:   cfg.Transport.ReadBufferSize,
			WriteBufferSize:  cfg.Transport.WriteBufferSize,
			PingInterval:     cfg.Transport.PingInterval,
			WriteTimeout:     cfg.Transport.WriteTimeout,
		}, faults)
	}

	registry := connection.NewRegistry()
	shutdown := new(atomic.Bool)
	executor := ramp.NewExecutor(sessions, registry, shutdown, ramp.ExecutorOptions{
		Workers: cfg.Ramp.Workers,
		Faults:  faults,
		Log:     logger,
	})

	controller, err := ramp.NewController(ramp.Plan{
		Endpoint:        cfg.Endpoint,
		Clients:         cfg.Ramp.Clients,
		BatchSize:       cfg.Ramp.BatchSize,
		Interval:        cfg.Ramp.Interval,
		SettleAfterLast: cfg.Ramp.SettleAfterLast,
	}, executor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ramp controller: %w", err)
	}

	app := &Application{
		config:     cfg,
		log:        logger,
		faults:     faults,
		registry:   registry,
		shutdown:   shutdown,
		controller: controller,
		rampDone:   make(chan struct{}),
	}

	if cfg.Results.Path != "" {
		manager, err := database.NewManager(pkgdatabase.DefaultConfig(cfg.Results.Path), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open run log: %w", err)
		}
		app.recorder = manager
	}

	if cfg.Status.Addr != "" {
		app.apiServer = api.NewServer(app, app.recorder, logger)
		app.httpServer = &http.Server{
			Handler:      app.apiServer,
			ReadTimeout:  cfg.Status.ReadTimeout,
			WriteTimeout: cfg.Status.WriteTimeout,
		}
	}

	return app, nil
}

// Start launches the ramp and the optional background services and returns
// without waiting for the ramp
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.started {
		return ramp.ErrAlreadyRunning
	}

	app.raiseLimits()

	if app.httpServer != nil {
		listener, err := net.Listen("tcp", app.config.Status.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", app.config.Status.Addr, err)
		}
		app.listener = listener
		go app.serveStatus(listener)
		app.log.Infof("Status server listening on %s", listener.Addr())
	}

	if app.recorder != nil {
		runID, err := app.recorder.BeginRun(ctx, app.config.Endpoint, app.config.Ramp.Clients,
			app.config.Ramp.BatchSize, app.config.Ramp.Interval.Milliseconds())
		if err != nil {
			app.log.WithError(err).Warn("Run log unavailable, continuing without it")
		} else {
			app.runID = runID
			app.controller.OnBatch(app.recordBatch)
		}
	}

	app.started = true
	app.startedAt = time.Now()
	rampCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if interval := app.config.Report.Interval; interval > 0 {
		reporter := census.NewReporter(app.run(), app.log)
		go reporter.Run(rampCtx, interval)
	}

	go func() {
		defer close(app.rampDone)
		defer app.faults.Recover("ramp")

		summary, err := app.controller.Run(rampCtx)
		if err != nil {
			app.log.WithError(err).Error("Ramp failed")
			return
		}
		app.mu.Lock()
		app.summary = summary
		app.mu.Unlock()
	}()

	return nil
}

func (app *Application) raiseLimits() {
	limit, err := limits.Raise()
	if err != nil {
		app.log.WithError(err).Warn("Could not raise the file descriptor limit")
	}
	if !limits.Sufficient(limit, app.config.Ramp.Clients) {
		app.log.Warnf("File descriptor limit %d is low for %d connections", limit, app.config.Ramp.Clients)
	}
}

func (app *Application) serveStatus(listener net.Listener) {
	defer app.faults.Recover("status server")
	if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.log.WithError(err).Error("Status server stopped")
	}
}

func (app *Application) recordBatch(batch types.BatchResult) {
	// The run log outlives the ramp context so the last batch still lands
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.recorder.RecordBatch(ctx, app.runID, batch); err != nil {
		app.log.WithError(err).Warnf("Failed to record batch %d", batch.Seq)
	}
}

func (app *Application) run() census.Run {
	return census.Run{
		Endpoint:  app.config.Endpoint,
		Requested: app.config.Ramp.Clients,
		StartedAt: app.startedAt,
		Registry:  app.registry,
		Progress:  app.controller.Progress,
		Faults:    app.faults,
	}
}

// RampDone is closed once the ramp has completed or been interrupted
func (app *Application) RampDone() <-chan struct{} {
	return app.rampDone
}

// Summary returns the ramp summary once the ramp has returned
func (app *Application) Summary() *types.RampSummary {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.summary
}

// Census implements api.Status
func (app *Application) Census() types.Census {
	return census.Take(app.registry)
}

// Progress implements api.Status
func (app *Application) Progress() types.Progress {
	return app.controller.Progress()
}

// Report implements api.Status
func (app *Application) Report() types.Report {
	app.mu.Lock()
	run := app.run()
	app.mu.Unlock()
	return census.FinalReport(run)
}

// Registry returns the connection registry
func (app *Application) Registry() *connection.Registry {
	return app.registry
}

// StatusAddr returns the bound status server address, or "" when disabled
func (app *Application) StatusAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener == nil {
		return ""
	}
	return app.listener.Addr().String()
}

// Stop ends the run: it raises the shutdown flag, stops the ramp, writes the
// final report to out (when non-nil), then stops every connection and
// closes the run log and status server. Calls after the first return the
// first result
// FUNCTIONAL DISCOVERY: The report is taken before connections are told to
// stop so it reflects the load at the moment the operator asked to stop
func (app *Application) Stop(ctx context.Context, out io.Writer) (types.Report, error) {
	app.mu.Lock()
	started := app.started
	app.mu.Unlock()
	if !started {
		return types.Report{}, ErrNotStarted
	}

	app.stopOnce.Do(func() {
		app.stopReport, app.stopErr = app.stop(ctx, out)
	})
	return app.stopReport, app.stopErr
}

func (app *Application) stop(ctx context.Context, out io.Writer) (types.Report, error) {
	var result *multierror.Error

	app.shutdown.Store(true)
	app.cancel()

	select {
	case <-app.rampDone:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("ramp did not stop: %w", ctx.Err()))
	}

	report := app.Report()
	if out != nil {
		if err := census.Print(out, report); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to print report: %w", err))
		}
	}

	app.log.Info("Closing connection(s).")
	parallel := app.config.Ramp.Workers
	if parallel <= 0 {
		parallel = stopParallelism
	}
	if _, err := app.registry.StopAll(parallel); err != nil {
		// Close handshakes failing at teardown are expected under load
		app.log.WithError(err).Debug("Some connections did not close cleanly")
	}

	if app.httpServer != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("status server shutdown: %w", err))
		}
	}

	if app.recorder != nil {
		if app.runID != "" {
			if err := app.recorder.FinishRun(ctx, app.runID, report); err != nil {
				result = multierror.Append(result, fmt.Errorf("failed to record run: %w", err))
			}
		}
		if err := app.recorder.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if faults := app.faults.Count(); faults > 0 {
		app.log.Warnf("%d unobserved fault(s) during the run", faults)
	}

	return report, result.ErrorOrNil()
}

// Close releases resources of an application that was never started
func (app *Application) Close() error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.started || app.recorder == nil {
		return nil
	}
	return app.recorder.Close()
}
