package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"crank/internal/config"
	"crank/internal/console"
	"crank/internal/target"
)

type sinkFlags struct {
	addr         string
	path         string
	pingInterval time.Duration
	pongWait     time.Duration
	greeting     string
	logLevel     string
	logFormat    string
}

// newSinkCommand serves a local endpoint that accepts and holds connections
func newSinkCommand(in *os.File) *cobra.Command {
	defaults := target.DefaultOptions()
	f := sinkFlags{}

	cmd := &cobra.Command{
		Use:          "sink",
		Short:        "Serve a WebSocket endpoint that accepts and holds connections",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ConfigureLogging(config.LogConfig{Level: f.logLevel, Format: f.logFormat}, cmd.OutOrStdout()); err != nil {
				return err
			}
			opts := target.Options{
				PingInterval: f.pingInterval,
				PongWait:     f.pongWait,
				WriteTimeout: defaults.WriteTimeout,
				Greeting:     []byte(f.greeting),
			}
			listener, err := net.Listen("tcp", f.addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", f.addr, err)
			}
			return serveSink(cmd.Context(), listener, f.path, opts, in)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.addr, "addr", "127.0.0.1:8080", "listen address")
	flags.StringVar(&f.path, "path", "/ws", "WebSocket path")
	flags.DurationVar(&f.pingInterval, "ping-interval", defaults.PingInterval, "server ping interval, 0 to disable")
	flags.DurationVar(&f.pongWait, "pong-wait", defaults.PongWait, "drop connections silent this long while pinging")
	flags.StringVar(&f.greeting, "greeting", "", "text frame sent to every new connection")
	flags.StringVar(&f.logLevel, "log-level", "info", "log level")
	flags.StringVar(&f.logFormat, "log-format", "text", "log format (text or json)")
	return cmd
}

// serveSink serves the sink on listener until the operator stops it
func serveSink(ctx context.Context, listener net.Listener, path string, opts target.Options, in *os.File) error {
	logger := log.WithField("addr", listener.Addr().String())
	sink := target.NewSink(opts, logger, nil)

	mux := http.NewServeMux()
	mux.Handle(path, sink)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Infof("Accepting connections on ws://%s%s", listener.Addr(), path)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err, ok := <-serveErr; ok {
			logger.WithError(err).Error("Sink server stopped")
		}
		cancel()
	}()
	console.Wait(waitCtx, in, syscall.SIGINT, syscall.SIGTERM)

	logger.Infof("Closing %d held connection(s), %d accepted in total.", sink.CloseAll(), sink.Accepted())
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	return server.Shutdown(shutdownCtx)
}
