package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 100 * time.Millisecond
	max := 2 * time.Second

	d0 := computeBackoff(0, base, max, 2.0, rng)
	d1 := computeBackoff(1, base, max, 2.0, rng)
	d3 := computeBackoff(3, base, max, 2.0, rng)
	d10 := computeBackoff(10, base, max, 2.0, rng)

	assert.True(t, d0 >= base && d0 < base+base)
	assert.True(t, d1 >= 2*base)
	assert.True(t, d3 >= 8*base)
	assert.True(t, d10 <= max+base, "attempt far beyond cap should clamp to maxDelay plus jitter")
}

func TestComputeBackoffDefaultsFactorWhenUnset(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	d := computeBackoff(1, 10*time.Millisecond, time.Second, 0, rng)
	assert.True(t, d >= 20*time.Millisecond)
}
