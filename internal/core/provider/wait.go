package provider

import (
	"context"
	"fmt"
	"time"
)

// Backoff is a capped geometric delay sequence.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// ReadinessBackoff is the polling schedule used while waiting on cloud instances.
var ReadinessBackoff = Backoff{Initial: 2 * time.Second, Multiplier: 1.5, Max: 30 * time.Second}

// Next returns the delay that follows cur. A zero cur yields Initial.
func (b Backoff) Next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Initial
	}
	n := time.Duration(float64(cur) * b.Multiplier)
	if n < cur {
		n = cur
	}
	if b.Max > 0 && n > b.Max {
		n = b.Max
	}
	return n
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

// AcceptFunc inspects one observation. done stops the wait; a non-nil error aborts it.
type AcceptFunc func(Description) (done bool, err error)

// WaitFor polls Describe until accept is satisfied. Transient Describe errors
// are absorbed. When ctx ends first the wait fails with a Transient error
// carrying the last observed status.
func WaitFor(ctx context.Context, a Adapter, instanceID string, b Backoff, accept AcceptFunc) (Description, error) {
	var (
		delay time.Duration
		last  Description
	)
	for {
		d, err := a.Describe(ctx, instanceID)
		switch {
		case err == nil:
			last = d
			done, aerr := accept(d)
			if aerr != nil {
				return d, aerr
			}
			if done {
				return d, nil
			}
		case !IsTransient(err) || ctx.Err() != nil:
			if ctx.Err() == nil {
				return last, err
			}
		}

		delay = b.Next(delay)
		if serr := Sleep(ctx, delay); serr != nil {
			return last, Transient(a.Name(), "await", fmt.Errorf(
				"instance %s not ready (last status %q): %w", instanceID, last.Status, serr))
		}
	}
}
