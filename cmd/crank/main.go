package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crank/internal/app"
	"crank/internal/config"
	"crank/internal/console"
)

// shutdownTimeout bounds the final report and close handshakes
const shutdownTimeout = 30 * time.Second

// FUNCTIONAL DISCOVERY: Main entry point. Malformed arguments are the only
// fatal errors and are reported before any connection is attempted
func main() {
	if err := newRootCommand(os.Stdin).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// ARCHITECTURAL DISCOVERY: Positional arguments override every other source,
// flags override the environment, the environment overrides the config file
func newRootCommand(in *os.File) *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "crank <url> <numclients> [batchSize] [batchInterval]",
		Short: "Open batches of WebSocket connections against an endpoint and hold them",
		Long: `crank opens numclients WebSocket connections to url in batches of
batchSize (default 50), waiting batchInterval milliseconds (default 3000)
between batches, and holds them until a key is pressed.`,
		Args:         cobra.RangeArgs(2, 4),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyArgs(v, args); err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			if err := config.ConfigureLogging(cfg.Log, cmd.OutOrStdout()); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, in, cmd.OutOrStdout())
		},
	}

	defaults := config.DefaultConfig()
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "config file (yaml, json or toml)")
	flags.Int("workers", defaults.Ramp.Workers, "max concurrent connection attempts per batch, 0 for unbounded")
	flags.Bool("settle-after-last", defaults.Ramp.SettleAfterLast, "wait the batch interval after the last batch too")
	flags.Duration("handshake-timeout", defaults.Transport.HandshakeTimeout, "WebSocket opening handshake timeout")
	flags.Duration("ping-interval", defaults.Transport.PingInterval, "keepalive ping interval, 0 to disable")
	flags.Duration("report-interval", defaults.Report.Interval, "periodic census log interval, 0 to disable")
	flags.String("status-addr", defaults.Status.Addr, "address of the JSON status server, empty to disable")
	flags.String("results-db", defaults.Results.Path, "SQLite file to append run results to, empty to disable")
	flags.String("log-level", defaults.Log.Level, "log level (trace, debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "log format (text or json)")

	cmd.AddCommand(newSinkCommand(in))
	return cmd
}

// applyArgs sets the positional arguments on v
func applyArgs(v *viper.Viper, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("expected at least 2 arguments, got %d", len(args))
	}
	v.Set("endpoint", args[0])

	clients, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid numclients %q: %w", args[1], err)
	}
	v.Set("ramp.clients", clients)

	if len(args) > 2 {
		batchSize, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid batchSize %q: %w", args[2], err)
		}
		v.Set("ramp.batch_size", batchSize)
	}

	if len(args) > 3 {
		ms, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid batchInterval %q: %w", args[3], err)
		}
		v.Set("ramp.interval", time.Duration(ms)*time.Millisecond)
	}
	return nil
}

// run drives one run until the operator stops it
func run(ctx context.Context, cfg *config.Config, in *os.File, out io.Writer) error {
	// STEP 1: Build every component
	application, err := app.NewApplication(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 2: Start the ramp in the background
	if err := application.Start(ctx); err != nil {
		_ = application.Close()
		return fmt.Errorf("failed to start: %w", err)
	}

	// STEP 3: Hold the connections until a key press or a signal
	fmt.Fprintln(out, console.Prompt(in))
	reason := console.Wait(ctx, in, syscall.SIGINT, syscall.SIGTERM)
	log.WithField("reason", reason).Debug("Stop requested")

	// STEP 4: Report and tear down
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, err := application.Stop(shutdownCtx, out); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
