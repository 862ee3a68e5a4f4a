// Package retry runs operations under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy controls how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Clock       Clock
}

// DefaultPolicy returns three attempts with 500ms doubling backoff capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  10 * time.Second,
		Clock:       SystemClock{},
	}
}

// Backoff returns the wait before the given retry (1 for the first retry).
func (p Policy) Backoff(retry int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	max := p.BackoffMax
	if max <= 0 {
		max = time.Minute
	}
	if retry < 1 {
		retry = 1
	}
	if retry > 30 {
		return max
	}

	backoff := base * time.Duration(1<<uint(retry-1))
	if backoff > max || backoff <= 0 {
		return max
	}
	return backoff
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) clock() Clock {
	if p.Clock == nil {
		return SystemClock{}
	}
	return p.Clock
}

// Attempt describes one try of an operation.
type Attempt struct {
	Number   int
	Duration time.Duration
	Err      error
}

// Do calls op until it succeeds, fails with an error retryable rejects, the
// attempts run out or ctx ends. A nil retryable retries every error. Each
// attempt is passed to observe when it is non-nil. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, retryable func(error) bool, observe func(Attempt)) error {
	clock := p.clock()
	max := p.attempts()

	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return err
		}

		started := clock.Now()
		err = op(ctx, attempt)
		if observe != nil {
			observe(Attempt{Number: attempt, Duration: clock.Now().Sub(started), Err: err})
		}
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == max {
			break
		}
		if sleepErr := clock.Sleep(ctx, p.Backoff(attempt)); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}
