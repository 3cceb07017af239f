//go:build !unix

package limits

// Raise is a no-op where RLIMIT_NOFILE does not exist; zero means unknown
func Raise() (uint64, error) {
	return 0, nil
}
