package mirror

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrNegativeSpeed is returned when a speed limit below zero is set.
var ErrNegativeSpeed = errors.New("mirror: speed must not be negative")

// Limiter converts a bytes/sec budget into per-iteration copy delays. The
// budget is enforced over a fixed slice duration: sustained throughput
// converges to the configured speed with at most one slice's worth of
// burst. A speed of zero means unlimited.
type Limiter struct {
	mu         sync.Mutex
	speed      int64
	slice      time.Duration
	maxRequest int64
	bucket     *rate.Limiter
}

// NewLimiter creates an unlimited Limiter. maxRequest is the largest n a
// single Delay call will ask for (the engine's chunk size); the burst never
// drops below it so a single chunk reservation always succeeds.
func NewLimiter(slice time.Duration, maxRequest int64) *Limiter {
	if slice <= 0 {
		slice = 100 * time.Millisecond
	}
	return &Limiter{slice: slice, maxRequest: maxRequest}
}

// SetSpeed applies a new bytes/sec budget. Negative speed is a
// configuration error, rejected here rather than discovered in the copy
// loop. Zero disables limiting.
func (l *Limiter) SetSpeed(bytesPerSec int64) error {
	if bytesPerSec < 0 {
		return ErrNegativeSpeed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.speed = bytesPerSec
	if bytesPerSec == 0 {
		l.bucket = nil
		return nil
	}
	burst := int64(float64(bytesPerSec) * l.slice.Seconds())
	if burst < l.maxRequest {
		burst = l.maxRequest
	}
	l.bucket = rate.NewLimiter(rate.Limit(bytesPerSec), int(burst))
	return nil
}

// Speed returns the configured bytes/sec budget, zero when unlimited.
func (l *Limiter) Speed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speed
}

// Delay reserves n bytes against the budget and returns how long the
// caller must sleep before transferring them. Zero when unlimited.
func (l *Limiter) Delay(n int64) time.Duration {
	l.mu.Lock()
	bucket := l.bucket
	l.mu.Unlock()
	if bucket == nil || n <= 0 {
		return 0
	}
	r := bucket.ReserveN(time.Now(), int(n))
	if !r.OK() {
		// n exceeds the burst; should not happen for n <= maxRequest.
		return l.slice
	}
	return r.Delay()
}
