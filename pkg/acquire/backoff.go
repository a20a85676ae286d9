package acquire

import "time"

// polling delays for a contended lock
// grows by multiplier from start up to max, never sleeps past the caller's deadline
type backoff struct {
	next       time.Duration
	max        time.Duration
	multiplier float64
}

func newBackoff(cfg Config) *backoff {
	return &backoff{
		next:       cfg.PollInterval,
		max:        cfg.MaxPollInterval,
		multiplier: cfg.Multiplier,
	}
}

// returns the next sleep, capped to limit when limit > 0
func (b *backoff) Next(limit time.Duration) time.Duration {
	sleep := b.next
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	b.next = time.Duration(float64(b.next) * b.multiplier)
	if b.next > b.max {
		b.next = b.max
	}
	return sleep
}
