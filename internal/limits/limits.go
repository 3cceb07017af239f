// Package limits adjusts process resource limits before a large ramp.
package limits

// Reserved file descriptors kept for stdio, the run log and the status server
const Reserved = 64

// Sufficient reports whether a descriptor limit can hold clients
// connections. A zero limit means unknown and is assumed sufficient
func Sufficient(limit uint64, clients int) bool {
	if limit == 0 || clients <= 0 {
		return true
	}
	return uint64(clients)+Reserved <= limit
}
