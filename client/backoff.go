package client

import "time"

const maxDelay = time.Duration(1 << 62)

// Backoff is the reconnection retry policy. Retry n (from 0) waits
// min(Base·2ⁿ, Cap) plus a uniform jitter in [0, Jitter]. After MaxAttempts
// retries the controller gives up.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Cap:         30 * time.Second,
		Jitter:      time.Second,
		MaxAttempts: 10,
	}
}

// Floor returns min(Base·2ⁿ, Cap), the jitter-free delay of retry n.
func (b Backoff) Floor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt && delay > 0 && delay < maxDelay; i++ {
		if b.Cap > 0 && delay >= b.Cap {
			break
		}
		delay *= 2
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}
	return delay
}

// Delay returns the wait before retry attempt. rnd is a sample from [0, 1).
func (b Backoff) Delay(attempt int, rnd float64) time.Duration {
	if rnd < 0 {
		rnd = 0
	}
	if rnd > 1 {
		rnd = 1
	}
	return b.Floor(attempt) + time.Duration(rnd*float64(b.Jitter))
}
