package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// PollDelays is the fixed wait before each retry
var PollDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// MaxPollRetries bounds retries after the first attempt
const MaxPollRetries = 3

// ErrPollStopped is returned when Stop interrupts a wait
var ErrPollStopped = errors.New("poll stopped")

// PollFunc fetches once. pending asks for another attempt after a delay.
type PollFunc func(ctx context.Context) (pending bool, err error)

// Poller retries a fetch on a fixed delay table. One Run at a time.
type Poller struct {
	delays     []time.Duration
	maxRetries int

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// NewPoller returns a poller using PollDelays and MaxPollRetries when the
// arguments are empty
func NewPoller(maxRetries int, delays ...time.Duration) *Poller {
	if len(delays) == 0 {
		delays = PollDelays
	}
	if maxRetries <= 0 {
		maxRetries = MaxPollRetries
	}
	return &Poller{delays: delays, maxRetries: maxRetries}
}

func (p *Poller) delay(retry int) time.Duration {
	return p.delays[min(retry, len(p.delays)-1)]
}

// Run calls fn until it reports done. Retries stop after maxRetries: a
// still-pending fetch then ends quietly, a failing one returns its error.
func (p *Poller) Run(ctx context.Context, fn PollFunc) error {
	ctx, cancel := context.WithCancelCause(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		cancel(nil)
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	for retry := 0; ; retry++ {
		pending, err := fn(ctx)
		switch {
		case err != nil:
			pollAttempts.WithLabelValues("error").Inc()
		case pending:
			pollAttempts.WithLabelValues("pending").Inc()
		default:
			pollAttempts.WithLabelValues("done").Inc()
			return nil
		}
		if retry >= p.maxRetries {
			if err != nil {
				return fmt.Errorf("polling failed after %d retries: %w", retry, err)
			}
			return nil
		}

		timer := time.NewTimer(p.delay(retry))
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(context.Cause(ctx), ErrPollStopped) {
				return ErrPollStopped
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Stop interrupts a running poll
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel(ErrPollStopped)
	}
}
