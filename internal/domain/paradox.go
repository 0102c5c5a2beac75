package domain

import "time"

// ParadoxStatus is the lifecycle of a logic-gap incident.
type ParadoxStatus string

const (
	ParadoxStatusOpen          ParadoxStatus = "open"
	ParadoxStatusResolved      ParadoxStatus = "resolved"
	ParadoxStatusExtractFailed ParadoxStatus = "extract_failed"
)

// Paradox tracks a timeline whose logic gap crossed the opening threshold.
// It resolves when the gap falls back below the closing threshold, or
// fails when the gap stays pegged past the extraction window, which
// terminates the responsible saboteur.
type Paradox struct {
	ID         string
	TimelineID string
	SaboteurID string // responsible agent, if attributable
	OpenGap    float64
	PeakGap    float64
	Status     ParadoxStatus
	OpenedAt   time.Time
	ResolvedAt *time.Time
	UpdatedAt  time.Time
}
