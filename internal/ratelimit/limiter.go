// Package ratelimit throttles how fast the runner issues requests.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/chatload/internal/clock"
)

// DefaultPeriod is the budget period used when none is given.
const DefaultPeriod = time.Minute

// Limiter gates request issuance. Wait blocks until a request may start or
// ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Modes accepted by New.
const (
	ModeWindow = "window"
	ModePaced  = "paced"
)

// New builds the limiter for limit requests per period. A non-positive
// limit means unlimited.
func New(limit int, period time.Duration, mode string, clk clock.Clock) (Limiter, error) {
	if limit <= 0 {
		return Unlimited{}, nil
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeWindow:
		return NewFixedWindow(limit, period, clk), nil
	case ModePaced:
		return NewPaced(limit, period), nil
	default:
		return nil, fmt.Errorf("unsupported rate mode %q", mode)
	}
}

// Unlimited never blocks.
type Unlimited struct{}

// Wait implements Limiter.
func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}

// FixedWindow allows at most limit acquisitions in each period. Windows are
// consecutive and aligned to the first acquisition, so a waiter is released
// as soon as the next window opens.
type FixedWindow struct {
	limit  int
	period time.Duration
	clock  clock.Clock

	mu          sync.Mutex
	windowStart time.Time
	remaining   int
}

// NewFixedWindow returns a fixed-window limiter. A non-positive period
// defaults to one minute.
func NewFixedWindow(limit int, period time.Duration, clk clock.Clock) *FixedWindow {
	if limit < 1 {
		limit = 1
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &FixedWindow{limit: limit, period: period, clock: clock.OrReal(clk)}
}

// Wait implements Limiter.
func (f *FixedWindow) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f.mu.Lock()
		now := f.clock.Now()
		f.rollLocked(now)
		if f.remaining > 0 {
			f.remaining--
			f.mu.Unlock()
			return nil
		}
		wait := f.windowStart.Add(f.period).Sub(now)
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clock.After(wait):
		}
	}
}

// Remaining reports the budget left in the current window.
func (f *FixedWindow) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollLocked(f.clock.Now())
	return f.remaining
}

func (f *FixedWindow) rollLocked(now time.Time) {
	if f.windowStart.IsZero() {
		f.windowStart = now
		f.remaining = f.limit
		return
	}
	elapsed := now.Sub(f.windowStart)
	if elapsed < f.period {
		return
	}
	f.windowStart = f.windowStart.Add(elapsed / f.period * f.period)
	f.remaining = f.limit
}

// Paced spreads limit requests evenly across each period instead of
// admitting them in a burst at the start of the window.
type Paced struct {
	limiter *rate.Limiter
}

// NewPaced returns a token-bucket limiter with burst 1.
func NewPaced(limit int, period time.Duration) *Paced {
	if period <= 0 {
		period = DefaultPeriod
	}
	perSecond := float64(limit) / period.Seconds()
	return &Paced{limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

// Wait implements Limiter.
func (p *Paced) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
