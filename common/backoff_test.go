package common

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBackoffFailure tests if the backoff time is
// updated correctly.
func TestBackoffFailure(t *testing.T) {
	backoff, err := NewBackoff(time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		backoff.Failure()
	}
	require.Equal(t, 1024*time.Millisecond, backoff.Timeout())
}

// TestBackoffSuccess tests if the backoff time is
// reset correctly.
func TestBackoffSuccess(t *testing.T) {
	backoff, err := NewBackoff(time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	backoff.Failure()
	backoff.Success()
	require.Equal(t, time.Millisecond, backoff.Timeout())
}

// TestBackoffMaximum tests if the backoff time is
// appropriately upper bounded.
func TestBackoffMaximum(t *testing.T) {
	backoff, err := NewBackoff(time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		backoff.Failure()
	}
	require.Equal(t, 10*time.Millisecond, backoff.Timeout())
}

func TestBackoffInvalid(t *testing.T) {
	_, err := NewBackoff(0, time.Second)
	require.Error(t, err)
}

func TestClosingChannel(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	done := ClosingChannel(&wg)
	select {
	case <-done:
		t.Fatal("channel closed before the wait group was done")
	default:
	}
	wg.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("channel not closed after the wait group was done")
	}
}
