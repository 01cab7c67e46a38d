package browser

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Cooldown is the pause taken before every navigation attempt: a fixed delay
// plus an independent random jitter in [0, Random).
type Cooldown struct {
	Fixed  time.Duration
	Random time.Duration

	jitter func(limit time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// Duration draws the next pause length.
func (c Cooldown) Duration() time.Duration {
	jitter := c.jitter
	if jitter == nil {
		jitter = randomJitter
	}
	d := c.Fixed
	if c.Random > 0 {
		d += jitter(c.Random)
	}
	if d < 0 {
		return 0
	}
	return d
}

// Wait blocks for the next pause length or until ctx is done.
func (c Cooldown) Wait(ctx context.Context) (time.Duration, error) {
	d := c.Duration()
	sleep := c.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	if err := sleep(ctx, d); err != nil {
		return 0, err
	}
	return d, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// randomPick returns a uniformly chosen element of options, or "" when empty.
func randomPick(options []string) string {
	if len(options) == 0 {
		return ""
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(options))))
	if err != nil {
		return options[0]
	}
	return options[n.Int64()]
}
