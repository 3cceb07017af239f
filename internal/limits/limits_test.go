package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSufficient(t *testing.T) {
	assert.True(t, Sufficient(0, 1_000_000), "unknown limit")
	assert.True(t, Sufficient(1024, 0))
	assert.True(t, Sufficient(1024, 1024-Reserved))
	assert.False(t, Sufficient(1024, 1024-Reserved+1))
	assert.True(t, Sufficient(1<<20, 100_000))
}
