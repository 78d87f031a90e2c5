package assessment

import (
	"context"
	"time"
)

// Clock is the session countdown. Tick moves it one unit towards zero and
// reports expired exactly once, on the tick that reaches zero.
type Clock interface {
	Remaining() int
	Tick() (remaining int, expired bool)
}

// Countdown is the default Clock. It is not safe for concurrent use; the
// owning Session serialises access.
type Countdown struct {
	remaining int
	fired     bool
}

// NewCountdown returns a countdown starting at seconds.
func NewCountdown(seconds int) *Countdown {
	if seconds < 0 {
		seconds = 0
	}
	return &Countdown{remaining: seconds}
}

// Remaining returns the seconds left, never negative.
func (c *Countdown) Remaining() int {
	return c.remaining
}

// Tick decrements the countdown. The second return value is true only for
// the single tick that transitions the countdown to zero.
func (c *Countdown) Tick() (int, bool) {
	if c.remaining > 0 {
		c.remaining--
	}
	if c.remaining == 0 && !c.fired {
		c.fired = true
		return 0, true
	}
	return c.remaining, false
}

// Ticker abstracts time.Ticker so timer loops can be driven by tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

// NewTicker wraps time.NewTicker.
func NewTicker(interval time.Duration) Ticker {
	return realTicker{t: time.NewTicker(interval)}
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// RunTimer ticks the session once per ticker event until the session has
// terminated or ctx is cancelled. Pending evaluations never pause it.
func RunTimer(ctx context.Context, s *Session, ticker Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}
