package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Fixed(context.Background(), time.Millisecond, time.Second, func() error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestFixedExceedsBound(t *testing.T) {
	busy := errors.New("busy")
	err := Fixed(context.Background(), 5*time.Millisecond, 20*time.Millisecond, func() error {
		return busy
	})
	assert.ErrorIs(t, err, busy)
}

func TestFixedStopError(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Fixed(context.Background(), time.Millisecond, time.Second, func() error {
		calls++
		return Stop(fatal)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, fatal, err)
}

func TestFixedContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Fixed(ctx, 10*time.Millisecond, time.Minute, func() error {
		return errors.New("busy")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttempts(t *testing.T) {
	calls := 0
	err := Attempts(10, func() error {
		calls++
		if calls < 4 {
			return errors.New("collision")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestAttemptsExhausted(t *testing.T) {
	collision := errors.New("collision")
	calls := 0
	err := Attempts(5, func() error {
		calls++
		return collision
	})
	assert.Equal(t, 5, calls)
	assert.Equal(t, collision, err)
}

func TestAttemptsStopError(t *testing.T) {
	fatal := errors.New("explicit address already exists")
	calls := 0
	err := Attempts(10, func() error {
		calls++
		return Stop(fatal)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, fatal, err)
}
