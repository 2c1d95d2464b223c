package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Fibonacci is a backoff.BackOff whose intervals follow the Fibonacci
// sequence in units of Unit, starting at the Start-th number (1, 1, 2, 3, 5,
// 8, 13, ...). It is safe for concurrent use so a background job can Reset
// it while the supervisor is waiting.
type Fibonacci struct {
	Unit  time.Duration
	Start int

	mu   sync.Mutex
	a, b int64
}

var _ backoff.BackOff = (*Fibonacci)(nil)

// NewFibonacci returns a Fibonacci backoff starting at the start-th number.
func NewFibonacci(unit time.Duration, start int) *Fibonacci {
	f := &Fibonacci{Unit: unit, Start: start}
	f.Reset()
	return f
}

// NextBackOff returns the current interval and advances the sequence.
func (f *Fibonacci) NextBackOff() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := time.Duration(f.a) * f.Unit
	f.a, f.b = f.b, f.a+f.b
	return d
}

// Reset rewinds the sequence to the start index.
func (f *Fibonacci) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.a, f.b = 1, 1
	for i := 1; i < f.Start; i++ {
		f.a, f.b = f.b, f.a+f.b
	}
}

// Forever calls run until ctx is canceled. After a failed run it waits the
// next interval of b. Successful runs are repeated immediately and do not
// rewind b; callers reset it from elsewhere.
func Forever(ctx context.Context, b backoff.BackOff, logger *slog.Logger, run func(ctx context.Context) error) error {
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			continue
		}

		wait := b.NextBackOff()
		logger.Error("run failed, backing off", "wait", wait, "error", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
