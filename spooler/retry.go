package spooler

import (
	"context"
	"time"
)

// RetryPolicy is an explicit bounded retry loop with exponential backoff.
// Sleep is injectable so tests can run without real delays.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 5
	}
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Do calls fn until it succeeds, the attempts are used up or ctx ends.
// onFailure, if set, runs after each failed attempt before the backoff.
// The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onFailure func(attempt int, err error)) error {
	p = p.withDefaults()
	delay := p.Initial
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if attempt == p.Attempts {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if serr := p.Sleep(ctx, delay); serr != nil {
			return serr
		}
		delay = min(delay*2, p.Max)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
