package types

import (
	"net/url"
	"strings"
	"time"
)

// ValidateEndpoint checks that the target can be dialed as a WebSocket
// FUNCTIONAL DISCOVERY: http and https are accepted and mapped to ws/wss at
// dial time, matching how the endpoint is usually copied from a browser
func ValidateEndpoint(endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrEmptyEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ErrInvalidEndpoint
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	default:
		return ErrInvalidEndpoint
	}
}

// ValidateRamp checks the user supplied ramp parameters
func ValidateRamp(clients, batchSize int, interval time.Duration) error {
	if clients < 0 {
		return ErrNegativeClientCount
	}
	if batchSize < 1 {
		return ErrInvalidBatchSize
	}
	if interval < 0 {
		return ErrNegativeInterval
	}
	return nil
}

// BatchSizes returns the sizes of the batches a ramp of clients will issue
// TECHNICAL DISCOVERY: len(result) == ceil(clients/batchSize) and the sum is
// clients; a non-positive client count yields no batches
func BatchSizes(clients, batchSize int) []int {
	if clients <= 0 || batchSize < 1 {
		return nil
	}
	sizes := make([]int, 0, (clients+batchSize-1)/batchSize)
	for remaining := clients; remaining > 0; remaining -= batchSize {
		sizes = append(sizes, min(remaining, batchSize))
	}
	return sizes
}
