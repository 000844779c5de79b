package comm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryRecoversFromTemporaryError(t *testing.T) {
	bc := NewBaseCommunication(ConnectionConfig{Timeout: time.Second, RetryCount: 2, RetryInterval: time.Millisecond})

	calls := 0
	err := bc.RetryWithTimeout(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TemporaryError{Err: errors.New("503")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, bc.IsConnected())
	assert.False(t, bc.LastSeen().IsZero())
}

func TestRetryGivesUpOnPermanentError(t *testing.T) {
	bc := NewBaseCommunication(ConnectionConfig{RetryCount: 3, RetryInterval: time.Millisecond})

	permanent := errors.New("400 bad request")
	calls := 0
	err := bc.RetryWithTimeout(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusError, bc.GetStatus())
	assert.ErrorIs(t, bc.GetLastError(), permanent)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	bc := NewBaseCommunication(ConnectionConfig{RetryCount: 1, RetryInterval: time.Millisecond})

	calls := 0
	err := bc.RetryWithTimeout(context.Background(), func(ctx context.Context) error {
		calls++
		return &TemporaryError{Err: errors.New("502")}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 retries")
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	bc := NewBaseCommunication(ConnectionConfig{RetryCount: 5, RetryInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- bc.RetryWithTimeout(ctx, func(ctx context.Context) error {
			calls++
			return &TemporaryError{Err: errors.New("busy")}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}
