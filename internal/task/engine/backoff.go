package engine

import (
	"errors"
	"math/rand"
	"time"
)

// retryDelay returns the wait before retry number attempt (1-based).
// An explicit RetryAfter hint replaces the exponential base.
func retryDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = opt.RetryBase
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
