// Package console waits for the operator to stop a run.
package console

import (
	"bufio"
	"context"
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
)

// Reason says what ended Wait
type Reason string

const (
	ReasonKey     Reason = "key"
	ReasonSignal  Reason = "signal"
	ReasonContext Reason = "context"
)

// Interactive reports whether in is a terminal
func Interactive(in *os.File) bool {
	if in == nil {
		return false
	}
	fd := in.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Prompt returns the line to show before Wait
func Prompt(in *os.File) string {
	if Interactive(in) {
		return "Press any key to stop running..."
	}
	return "Press Enter to stop running..."
}

// Wait blocks until a key press on in, one of signals, or ctx ends
// FUNCTIONAL DISCOVERY: A terminal is put in cbreak mode so a single key
// stops the run without echo; output processing stays on so log lines keep
// their layout. Piped stdin stops on a full line. End of input disables the
// key trigger instead of stopping, so a detached run keeps going
func Wait(ctx context.Context, in *os.File, signals ...os.Signal) Reason {
	sigs := make(chan os.Signal, 1)
	if len(signals) > 0 {
		signal.Notify(sigs, signals...)
		defer signal.Stop(sigs)
	}

	keys := make(chan struct{}, 1)
	if in != nil {
		if Interactive(in) {
			if restore, err := enterCbreak(int(in.Fd())); err == nil {
				defer restore()
				go readKey(in, keys)
			} else {
				log.WithError(err).Debug("Terminal cbreak mode unavailable, waiting for Enter")
				go readLine(in, keys)
			}
		} else {
			go readLine(in, keys)
		}
	}

	select {
	case <-keys:
		return ReasonKey
	case s := <-sigs:
		log.Debugf("Received %s", s)
		return ReasonSignal
	case <-ctx.Done():
		return ReasonContext
	}
}

// readKey signals the first byte read from in
// TECHNICAL DISCOVERY: Reads on stdin cannot be interrupted portably, so the
// reader goroutines outlive Wait and exit with the process
func readKey(in *os.File, keys chan<- struct{}) {
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			keys <- struct{}{}
			return
		}
		if err != nil {
			return
		}
	}
}

func readLine(in *os.File, keys chan<- struct{}) {
	if _, err := bufio.NewReader(in).ReadString('\n'); err == nil {
		keys <- struct{}{}
	}
}
