package runtime

// XP award rules: base 10 plus the estimate clamped into [2,15], plus a
// 5-point bonus for finishing at or under the estimate. Going over costs
// nothing beyond the missed bonus.
const (
	xpBase       = 10
	xpBonus      = 5
	xpClampFloor = 2
	xpClampCeil  = 15
)

// XPForStep computes the XP awarded for one completed step.
func XPForStep(estimatedMinutes, actualMinutes int) int {
	clamped := estimatedMinutes
	if clamped < xpClampFloor {
		clamped = xpClampFloor
	}
	if clamped > xpClampCeil {
		clamped = xpClampCeil
	}
	xp := xpBase + clamped
	if actualMinutes <= estimatedMinutes {
		xp += xpBonus
	}
	return xp
}
