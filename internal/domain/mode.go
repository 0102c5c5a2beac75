package domain

import "time"

// ModeTier is the degraded-operation tier. Lower is healthier.
type ModeTier int

const (
	// ModeAutonomous is full autonomy: all feeds healthy, settlement final.
	ModeAutonomous ModeTier = 0
	// ModeDegraded adds dispute windows to settlements and tightens risk.
	ModeDegraded ModeTier = 1
	// ModeSurvival suspends forks and sabotage and halves position limits.
	ModeSurvival ModeTier = 2
)

func (t ModeTier) String() string {
	switch t {
	case ModeAutonomous:
		return "autonomous"
	case ModeDegraded:
		return "degraded"
	case ModeSurvival:
		return "survival"
	default:
		return "unknown"
	}
}

// ModeState is the supervisor's current published state. Subsystems hold
// a read handle; only the supervisor writes.
type ModeState struct {
	Tier          ModeTier
	Since         time.Time
	Reason        string
	AggConfidence float64
	UpdatedAt     time.Time
}

// ModeTransition is one audited supervisor decision.
type ModeTransition struct {
	ID            int64
	From          ModeTier
	To            ModeTier
	Reason        string
	AggConfidence float64
	At            time.Time
}
