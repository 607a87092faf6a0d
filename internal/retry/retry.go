// Package retry runs an operation a bounded number of times with growing
// wait, timeout and backoff.
package retry

import (
	"context"
	"time"
)

// Policy describes how an operation is retried. Attempt n (0-based) is
// handed Wait[n] and runs under Timeout[n]; when a slice is shorter than
// Attempts its last value is reused. Between attempts Do sleeps
// n*Backoff.
type Policy struct {
	Attempts int
	Wait     []time.Duration
	Timeout  []time.Duration
	Backoff  time.Duration
	// PerCall leaves the attempt context without a deadline. The operation
	// applies Attempt.Timeout to each call it makes instead.
	PerCall bool
	// Sleep is replaced in tests. Nil means Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Attempt describes one try. Wait is a hint for the operation itself, for
// example how long a scripted session pauses before reading.
type Attempt struct {
	Number  int
	Wait    time.Duration
	Timeout time.Duration
}

// Do runs op until it reports success or the attempts run out. Unless the
// policy is PerCall, each call gets a context bounded by the attempt
// timeout. It returns the value of
// the last attempt and whether any attempt succeeded. A cancelled parent
// context stops the loop early.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, a Attempt) (T, bool)) (T, bool) {
	var last T
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for n := 0; n < p.Attempts; n++ {
		if n > 0 && p.Backoff > 0 {
			if err := sleep(ctx, time.Duration(n)*p.Backoff); err != nil {
				return last, false
			}
		}

		a := Attempt{Number: n + 1, Wait: pick(p.Wait, n), Timeout: pick(p.Timeout, n)}
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if a.Timeout > 0 && !p.PerCall {
			attemptCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		}
		v, ok := op(attemptCtx, a)
		cancel()

		last = v
		if ok {
			return v, true
		}
		if ctx.Err() != nil {
			return last, false
		}
	}
	return last, false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Linear builds a policy whose wait and timeout grow by a fixed step each
// attempt: wait w, 2w, 3w and timeout t, 2t, 3t. Backoff equals w.
func Linear(attempts int, wait, timeout time.Duration) Policy {
	p := Policy{Attempts: attempts, Backoff: wait}
	for i := 1; i <= attempts; i++ {
		p.Wait = append(p.Wait, time.Duration(i)*wait)
		p.Timeout = append(p.Timeout, time.Duration(i)*timeout)
	}
	return p
}

func pick(ds []time.Duration, n int) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	if n >= len(ds) {
		return ds[len(ds)-1]
	}
	return ds[n]
}
