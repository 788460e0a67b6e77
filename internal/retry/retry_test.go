package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(zerolog.Nop(), "op", 5, time.Millisecond, nil, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustedCallsOnFailure(t *testing.T) {
	boom := errors.New("down")
	failed := false
	calls := 0

	err := Do(zerolog.Nop(), "op", 3, time.Millisecond, nil, func() { failed = true }, func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.True(t, failed, "on-failure hook should run when attempts are exhausted")
}

func TestDo_NonRetryablePropagatesImmediately(t *testing.T) {
	fatal := errors.New("bad config")
	calls := 0

	err := Do(zerolog.Nop(), "op", 10, time.Millisecond,
		func(err error) bool { return !errors.Is(err, fatal) },
		func() { t.Fatal("on-failure must not run for non-retryable errors") },
		func() error {
			calls++
			return fatal
		})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}
