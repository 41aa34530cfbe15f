package transport

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackoff returns the reconnect schedule: base, 2*base, 4*base ... capped
// at base<<capExp, stopping after maxRetries delays. The cap never exceeds
// math.MaxInt64/2 so doubling cannot overflow.
func newBackoff(base time.Duration, capExp, maxRetries int) backoff.BackOff {
	if base <= 0 {
		base = time.Second
	}
	maxInterval := base
	for i := 0; i < capExp && maxInterval <= math.MaxInt64>>2; i++ {
		maxInterval <<= 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = maxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(maxRetries))
}
