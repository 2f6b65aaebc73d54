// Package exposure computes exposure-bracketing plans.
//
// A plan is centred on the metered ("best") exposure: element 0 is the
// metered value, followed by the longer exposures (up-steps) and then the
// shorter ones (down-steps). Every bracketed value is clamped into the
// device's supported range.
package exposure

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidPlan is returned for inputs a plan cannot be built from.
var ErrInvalidPlan = errors.New("exposure: invalid plan parameters")

// Range is the supported exposure interval, both ends inclusive.
type Range struct {
	Lower time.Duration
	Upper time.Duration
}

func (r Range) clamp(d time.Duration) time.Duration {
	if d < r.Lower {
		return r.Lower
	}
	if d > r.Upper {
		return r.Upper
	}
	return d
}

// Plan is the ordered list of exposure times of one burst.
type Plan []time.Duration

// Step is an exposure-step preset.
type Step int

const (
	OneStop       Step = 1
	TwoThirdsStop Step = 2
	OneThirdStop  Step = 3
)

func (s Step) String() string {
	switch s {
	case OneStop:
		return "1EV"
	case TwoThirdsStop:
		return "2/3EV"
	case OneThirdStop:
		return "1/3EV"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// StepFactors returns the multiplicative up and down factors of a preset.
func StepFactors(s Step) (up, down float64, err error) {
	switch s {
	case OneStop:
		return 2, 0.5, nil
	case TwoThirdsStop:
		return 1.6, 0.64, nil
	case OneThirdStop:
		return 1.25, 0.8, nil
	default:
		return 0, 0, fmt.Errorf("%w: unknown exposure step %d", ErrInvalidPlan, int(s))
	}
}

// NewPlan returns count exposure times around best.
//
// For i in 1..u the up-shot is best*stepUp^i and for i in 1..d the down-shot
// is best*stepDown^i, where d = floor((count-1)/2) and u = count-1-d (one
// extra up-step when count is even). Values are truncated to whole
// nanoseconds and clamped into r. Element 0 is best, unclamped.
func NewPlan(best time.Duration, count int, stepUp, stepDown float64, r Range) (Plan, error) {
	switch {
	case count < 1:
		return nil, fmt.Errorf("%w: count %d < 1", ErrInvalidPlan, count)
	case best <= 0:
		return nil, fmt.Errorf("%w: best exposure %v <= 0", ErrInvalidPlan, best)
	case !(stepUp > 1) || math.IsInf(stepUp, 0):
		return nil, fmt.Errorf("%w: step up %g must be > 1", ErrInvalidPlan, stepUp)
	case !(stepDown > 0 && stepDown < 1):
		return nil, fmt.Errorf("%w: step down %g must be in (0,1)", ErrInvalidPlan, stepDown)
	case r.Lower <= 0 || r.Lower > r.Upper:
		return nil, fmt.Errorf("%w: exposure range [%v, %v]", ErrInvalidPlan, r.Lower, r.Upper)
	}

	down := (count - 1) / 2
	up := count - 1 - down

	plan := make(Plan, count)
	plan[0] = best
	for i := 1; i <= up; i++ {
		plan[i] = r.clamp(scale(best, stepUp, i))
	}
	for i := 1; i <= down; i++ {
		plan[up+i] = r.clamp(scale(best, stepDown, i))
	}
	return plan, nil
}

// scale returns best*factor^n truncated to whole nanoseconds, saturating at
// the int64 limits.
func scale(best time.Duration, factor float64, n int) time.Duration {
	v := float64(best) * math.Pow(factor, float64(n))
	if v >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(v))
}

// EquivalentExposure rescales an exposure metered at fromISO so that it
// collects the same light at toISO.
func EquivalentExposure(exposure time.Duration, fromISO, toISO int) time.Duration {
	if fromISO <= 0 || toISO <= 0 || fromISO == toISO {
		return exposure
	}
	v := float64(exposure) * float64(fromISO) / float64(toISO)
	if v >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(v))
}

// Seconds returns the plan as fractional seconds, the unit merge tools expect.
func (p Plan) Seconds() []float64 {
	out := make([]float64, len(p))
	for i, d := range p {
		out[i] = d.Seconds()
	}
	return out
}

func (p Plan) String() string {
	parts := make([]string, len(p))
	for i, d := range p {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
