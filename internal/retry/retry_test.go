package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/projectsync/internal/syncerr"
)

type hintedErr struct{ after time.Duration }

func (e hintedErr) Error() string             { return "429 too many requests" }
func (e hintedErr) StatusCode() int           { return 429 }
func (e hintedErr) RetryAfter() time.Duration { return e.after }

func recordingPolicy(p Policy) (Policy, *[]time.Duration) {
	var delays []time.Duration
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	if p.Rand == nil {
		p.Rand = func() float64 { return 0 }
	}
	return p, &delays
}

func TestDelayDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Second, MaxDelay: time.Minute}
	assert.Equal(t, 5*time.Second, p.Delay(0))
	assert.Equal(t, 10*time.Second, p.Delay(1))
	assert.Equal(t, 40*time.Second, p.Delay(3))
	assert.Equal(t, time.Minute, p.Delay(4))
	assert.Equal(t, time.Minute, p.Delay(50))
}

func TestDelayJitterStaysWithinCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.1, Rand: func() float64 { return 1 }}
	assert.Equal(t, 1100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 10*time.Second, p.Delay(4))
}

func TestDoStopsOnPermanentError(t *testing.T) {
	p, delays := recordingPolicy(Policy{})
	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return syncerr.New(syncerr.KindValidationFailed, "", errors.New("bad"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDoExhaustsAttempts(t *testing.T) {
	p, delays := recordingPolicy(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return syncerr.New(syncerr.KindTransient, "", errors.New("flaky"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
	assert.Equal(t, "op", syncerr.Classify(err).Op)
}

func TestDoHonoursRetryAfter(t *testing.T) {
	p, delays := recordingPolicy(Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Second})
	calls := 0
	err := p.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return hintedErr{after: 3 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, *delays)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, ParseRetryAfter(" 2 "))
	assert.Zero(t, ParseRetryAfter(""))
	assert.Zero(t, ParseRetryAfter("-1"))
	assert.Zero(t, ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
