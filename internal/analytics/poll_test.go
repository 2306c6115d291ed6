package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoller_StopsWhenDone(t *testing.T) {
	p := NewPoller(0, time.Millisecond)
	calls := 0
	err := p.Run(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls < 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPoller_SurfacesErrorAfterRetries(t *testing.T) {
	boom := errors.New("boom")
	p := NewPoller(MaxPollRetries, time.Millisecond)
	calls := 0
	err := p.Run(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, MaxPollRetries+1, calls)
}

func TestPoller_PendingGivesUpQuietly(t *testing.T) {
	p := NewPoller(2, time.Millisecond)
	calls := 0
	err := p.Run(context.Background(), func(context.Context) (bool, error) {
		calls++
		return true, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPoller_Delays(t *testing.T) {
	p := NewPoller(0)
	assert.Equal(t, 2*time.Second, p.delay(0))
	assert.Equal(t, 5*time.Second, p.delay(1))
	assert.Equal(t, 10*time.Second, p.delay(2))
	assert.Equal(t, 10*time.Second, p.delay(7))
}

func TestPoller_Stop(t *testing.T) {
	p := NewPoller(0, time.Hour)
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- p.Run(context.Background(), func(context.Context) (bool, error) {
			close(started)
			return true, nil
		})
	}()
	<-started
	require.Eventually(t, func() bool {
		p.Stop()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrPollStopped)
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestPoller_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(0, time.Hour)
	err := p.Run(ctx, func(context.Context) (bool, error) {
		cancel()
		return true, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
