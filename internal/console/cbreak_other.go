//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package console

import "errors"

func enterCbreak(int) (func(), error) {
	return nil, errors.New("cbreak mode not supported on this platform")
}
