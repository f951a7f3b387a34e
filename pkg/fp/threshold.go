package fp

import "sync"

// ElevatedThreshold replaces the base while drift is elevated.
const ElevatedThreshold = 0.95

// ThresholdAdjuster computes the effective short-circuit threshold from the
// base, the drift state and any degradation override. The highest input
// wins: adjusters only ever make auto-close harder.
type ThresholdAdjuster struct {
	mu                  sync.RWMutex
	base                float64
	driftElevated       bool
	degradationOverride float64
	guardRaise          float64
}

func NewThresholdAdjuster(base float64) *ThresholdAdjuster {
	if base <= 0 {
		base = BaseThreshold
	}
	return &ThresholdAdjuster{base: base}
}

// SetDriftElevated is flipped by the drift detector.
func (a *ThresholdAdjuster) SetDriftElevated(elevated bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.driftElevated = elevated
}

// SetDegradationOverride carries the router degradation policy's threshold,
// zero meaning no override.
func (a *ThresholdAdjuster) SetDegradationOverride(threshold float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.degradationOverride = threshold
}

// SetGuardRaise is applied by the autonomy guard when precision or FNR
// breaches its limits.
func (a *ThresholdAdjuster) SetGuardRaise(threshold float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.guardRaise = threshold
}

// Effective returns the threshold auto-close must clear right now.
func (a *ThresholdAdjuster) Effective() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.base
	if a.driftElevated && ElevatedThreshold > t {
		t = ElevatedThreshold
	}
	if a.degradationOverride > t {
		t = a.degradationOverride
	}
	if a.guardRaise > t {
		t = a.guardRaise
	}
	return t
}
