package clock

import "time"

// source of time for the lock table and the acquisition loop
// tests can swap in their own implementation
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock on top of the time package
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// uptime clock, monotonic relative to process start
// time.Since uses the monotonic reading so wall clock jumps do not affect it
type Uptime struct {
	startTime time.Time
}

func NewUptime() *Uptime {
	return &Uptime{
		startTime: time.Now(),
	}
}

// duration since start, always moves forward
func (u *Uptime) Elapsed() time.Duration {
	return time.Since(u.startTime)
}
