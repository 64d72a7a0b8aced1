package scheduler

import (
	"fmt"
	"math"
	"time"
)

// Policy decides what the poll interval is measured from.
type Policy string

const (
	// FixedRate measures the interval from cycle start. A cycle that runs
	// longer than the interval is followed immediately by the next one.
	FixedRate Policy = "fixed-rate"
	// FixedDelay measures the interval from cycle completion.
	FixedDelay Policy = "fixed-delay"
)

// ParsePolicy accepts "fixed-rate" (the default when empty) or "fixed-delay".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", FixedRate:
		return FixedRate, nil
	case FixedDelay:
		return FixedDelay, nil
	default:
		return "", fmt.Errorf("unknown poll interval policy %q (allowed: fixed-rate, fixed-delay)", s)
	}
}

// nextDelay returns how long to wait after a cycle that ran from start to end.
func nextDelay(policy Policy, interval time.Duration, start, end time.Time) time.Duration {
	if policy == FixedDelay {
		return interval
	}
	d := interval - end.Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

const (
	calmDelta = 0.5
	calmAfter = 2
)

// adaptiveInterval switches to a longer quiet interval once the
// temperature has stayed flat for calmAfter consecutive readings.
type adaptiveInterval struct {
	base  time.Duration
	quiet time.Duration

	last   *float64
	streak int
}

func (a *adaptiveInterval) observe(temp *float64) {
	if temp == nil {
		return
	}
	if a.last != nil {
		if math.Abs(*temp-*a.last) < calmDelta {
			a.streak++
		} else {
			a.streak = 0
		}
	}
	v := *temp
	a.last = &v
}

func (a *adaptiveInterval) current() time.Duration {
	if a.quiet > 0 && a.streak >= calmAfter {
		return a.quiet
	}
	return a.base
}
