package core

import "time"

// SoftTimer calls a function every period of accumulated simulation time.
// A zero period disables it.
type SoftTimer struct {
	fire   func()
	period time.Duration
	left   time.Duration
}

func NewSoftTimer(fire func(), period time.Duration) *SoftTimer {
	return &SoftTimer{fire: fire, period: period, left: period}
}

// SetPeriod changes the period and restarts the countdown.
func (t *SoftTimer) SetPeriod(period time.Duration) {
	t.period = period
	t.left = period
}

func (t *SoftTimer) Period() time.Duration { return t.period }

// Step advances the timer by dt, firing once per elapsed period.
func (t *SoftTimer) Step(dt time.Duration) {
	if t.period <= 0 {
		return
	}
	t.left -= dt
	for t.left <= 0 {
		t.fire()
		t.left += t.period
	}
}
