package cbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDelivery = errors.New("mailbox full")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New(3, 1, time.Hour)

	for range 3 {
		require.ErrorIs(t, cb.Do(func() error { return errDelivery }), errDelivery)
	}

	assert.False(t, cb.IsClosed())
	require.ErrorIs(t, cb.Do(func() error { return nil }), ErrOpenState)
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	cb := New(3, 1, time.Hour)

	require.Error(t, cb.Do(func() error { return errDelivery }))
	require.Error(t, cb.Do(func() error { return errDelivery }))
	require.NoError(t, cb.Do(func() error { return nil }))

	// The failure streak was broken, two more failures must not trip it.
	require.Error(t, cb.Do(func() error { return errDelivery }))
	require.Error(t, cb.Do(func() error { return errDelivery }))
	assert.True(t, cb.IsClosed())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb := New(1, 2, 10*time.Millisecond)

	require.Error(t, cb.Do(func() error { return errDelivery }))
	require.ErrorIs(t, cb.Do(func() error { return nil }), ErrOpenState)

	time.Sleep(15 * time.Millisecond)

	// First probe succeeds but the success threshold is 2,
	// so the breaker stays half-open until the second one.
	require.NoError(t, cb.Do(func() error { return nil }))
	require.NoError(t, cb.Do(func() error { return nil }))
	assert.True(t, cb.IsClosed())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := New(1, 1, 10*time.Millisecond)

	require.Error(t, cb.Do(func() error { return errDelivery }))
	time.Sleep(15 * time.Millisecond)
	require.Error(t, cb.Do(func() error { return errDelivery }))

	require.ErrorIs(t, cb.Do(func() error { return nil }), ErrOpenState)
}
