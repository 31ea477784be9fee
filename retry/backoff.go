package retry

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Backoff computes exponentially growing, jittered delays.
//
// The delay before retry n (n ≥ 1) is
//
//	min(Max, Base × Multiplier^(n-1) × (1 + Jitter×u))
//
// for a uniform u in [0, 1). Since Multiplier ≥ 1 + Jitter, the delay before
// retry n+1 is never shorter than the delay before retry n, whatever u was.
type Backoff struct {
	Base       time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	Max        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	Multiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter     float64       `mapstructure:"jitter" yaml:"jitter"`
}

// DefaultBackoff starts at one second and doubles up to a minute.
var DefaultBackoff = Backoff{
	Base:       time.Second,
	Max:        time.Minute,
	Multiplier: 2,
	Jitter:     0.2,
}

// Validate checks that b yields bounded, non-decreasing delays.
func (b Backoff) Validate() error {
	switch {
	case b.Base <= 0:
		return errors.Errorf("initial_backoff must be positive, got %s", b.Base)
	case b.Max < b.Base:
		return errors.Errorf("max_backoff (%s) must not be less than initial_backoff (%s)", b.Max, b.Base)
	case b.Jitter < 0 || b.Jitter > 1:
		return errors.Errorf("jitter must be within [0, 1], got %g", b.Jitter)
	case b.Multiplier < 1+b.Jitter:
		return errors.Errorf("backoff_multiplier must be at least 1+jitter (%g), got %g", 1+b.Jitter, b.Multiplier)
	}
	return nil
}

// Delay returns the delay before retry n with jitter sample u ∈ [0, 1).
func (b Backoff) Delay(n int, u float64) time.Duration {
	if n < 1 {
		n = 1
	}
	if u < 0 {
		u = 0
	} else if u >= 1 {
		u = math.Nextafter(1, 0)
	}

	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1)) * (1 + b.Jitter*u)
	if d >= float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}
