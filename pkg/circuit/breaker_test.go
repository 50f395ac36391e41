package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/terminal-bench/courierdispatch/pkg/errs"
)

func TestBreakerStateMachine(t *testing.T) {
	boom := errors.New("downstream failed")

	t.Run("opens after max consecutive failures", func(t *testing.T) {
		b := NewBreaker(2, time.Minute)
		assert.Equal(t, StateClosed, b.State())

		assert.NoError(t, b.Allow("op"))
		b.Failure(boom, "")
		assert.Equal(t, StateClosed, b.State())

		assert.NoError(t, b.Allow("op"))
		b.Failure(boom, "")
		assert.Equal(t, StateOpen, b.State())
	})

	t.Run("open circuit rejects with CircuitOpen", func(t *testing.T) {
		b := NewBreaker(1, time.Minute)
		b.Failure(boom, "")

		err := b.Allow("op")
		assert.Error(t, err)
		assert.Equal(t, errs.CodeCircuitOpen, errs.CodeOf(err))
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		b := NewBreaker(3, time.Minute)
		b.Failure(boom, "")
		b.Failure(boom, "")
		b.Success()
		assert.Equal(t, 0, b.Failures())
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("half-open trial closes on success", func(t *testing.T) {
		b := NewBreaker(1, 50*time.Millisecond)
		b.Failure(boom, "")
		assert.Equal(t, StateOpen, b.State())

		time.Sleep(80 * time.Millisecond)
		assert.NoError(t, b.Allow("op"))
		assert.Equal(t, StateHalfOpen, b.State())

		b.Success()
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, 0, b.Failures())
	})

	t.Run("half-open admits a single trial", func(t *testing.T) {
		b := NewBreaker(1, 50*time.Millisecond)
		b.Failure(boom, "")
		time.Sleep(80 * time.Millisecond)

		assert.NoError(t, b.Allow("op"))
		err := b.Allow("op")
		assert.Error(t, err)
		assert.Equal(t, errs.CodeCircuitOpen, errs.CodeOf(err))
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		b := NewBreaker(1, 50*time.Millisecond)
		b.Failure(boom, "")
		time.Sleep(80 * time.Millisecond)

		assert.NoError(t, b.Allow("op"))
		b.Failure(boom, "")
		assert.Equal(t, StateOpen, b.State())

		err := b.Allow("op")
		assert.Equal(t, errs.CodeCircuitOpen, errs.CodeOf(err))
	})

	t.Run("aborted trial frees the slot without judging", func(t *testing.T) {
		b := NewBreaker(1, 50*time.Millisecond)
		b.Failure(boom, "")
		time.Sleep(80 * time.Millisecond)

		assert.NoError(t, b.Allow("op"))
		b.abortTrial()
		assert.Equal(t, StateHalfOpen, b.State())
		assert.NoError(t, b.Allow("op"))
	})
}

func TestErrorPatterns(t *testing.T) {
	t.Run("failures are fingerprinted", func(t *testing.T) {
		b := NewBreaker(100, time.Minute)
		b.Failure(errors.New("timeout contacting driver source"), "stack-prefix")

		snap := b.snapshot()
		assert.Len(t, snap.Patterns, 1)
		assert.Equal(t, "timeout contacting driver source", snap.Patterns[0].Message)
		assert.Equal(t, "stack-prefix", snap.Patterns[0].Stack)
	})

	t.Run("pattern log trims from 50 to the newest 25", func(t *testing.T) {
		b := NewBreaker(1000, time.Minute)
		for i := 0; i < 51; i++ {
			b.Failure(errors.New("e"), "")
		}
		assert.Len(t, b.snapshot().Patterns, 25)
	})
}
