package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/projectsync/internal/syncerr"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// Policy describes exponential backoff: BaseDelay * 2^attempt, capped at
// MaxDelay, plus up to Jitter*delay of random spread.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	Rand        func() float64
	Sleep       func(ctx context.Context, d time.Duration) error
	Logger      zerolog.Logger
}

// RetryAfterError is implemented by errors that carry a server supplied
// retry hint.
type RetryAfterError interface {
	RetryAfter() time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
	return p
}

// Attempts returns the effective attempt budget.
func (p Policy) Attempts() int {
	return p.normalized().MaxAttempts
}

// Delay returns the wait before retry number attempt+1. attempt is zero based.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		delay += time.Duration(p.Rand() * p.Jitter * float64(delay))
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. Errors are returned classified.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	p = p.normalized()
	var last *syncerr.CloudError
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = syncerr.ClassifyOp(op, err)
		if !last.Retryable || attempt == p.MaxAttempts-1 {
			return last
		}
		delay := p.Delay(attempt)
		var hinted RetryAfterError
		if errors.As(err, &hinted) && hinted.RetryAfter() > 0 {
			delay = min(hinted.RetryAfter(), p.MaxDelay)
		}
		p.Logger.Debug().Str("op", op).Int("attempt", attempt+1).Str("kind", string(last.Kind)).
			Dur("delay", delay).Msg("retrying")
		if err := p.Sleep(ctx, delay); err != nil {
			return syncerr.ClassifyOp(op, err)
		}
	}
	return last
}

func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
