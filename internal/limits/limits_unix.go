//go:build unix

package limits

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Raise lifts the soft RLIMIT_NOFILE to the hard limit and returns the
// resulting soft limit
// TECHNICAL DISCOVERY: Every connection holds a descriptor, and common
// defaults (1024 soft) cap a ramp far below what the host can sustain
func Raise() (uint64, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, fmt.Errorf("failed to read file descriptor limit: %w", err)
	}
	if rl.Cur >= rl.Max {
		return uint64(rl.Cur), nil
	}

	current := rl.Cur
	rl.Cur = rl.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return uint64(current), fmt.Errorf("failed to raise file descriptor limit to %d: %w", rl.Max, err)
	}
	return uint64(rl.Cur), nil
}
