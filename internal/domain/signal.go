package domain

import "time"

// SourceTier classifies how much an OSINT source is trusted a priori.
type SourceTier string

const (
	SourceTierPremium       SourceTier = "premium"
	SourceTierFree          SourceTier = "free"
	SourceTierDecentralized SourceTier = "decentralized"
)

// BaseConfidence returns the prior confidence assigned to a tier before
// blending with the source-reported score.
func (t SourceTier) BaseConfidence() float64 {
	switch t {
	case SourceTierPremium:
		return 0.90
	case SourceTierDecentralized:
		return 0.75
	default:
		return 0.60
	}
}

// FeedCategory groups sources for degraded-mode accounting. Losing two
// distinct categories is worse than losing two sources in one.
type FeedCategory string

const (
	FeedCategoryNews       FeedCategory = "news"
	FeedCategorySocial     FeedCategory = "social"
	FeedCategoryMarketData FeedCategory = "market_data"
	FeedCategoryChain      FeedCategory = "chain"
)

// Signal is a single normalized observation ingested from an OSINT source.
// ID is the 0x-prefixed Keccak-256 of source_tag || 0x1e || payload, so
// the same payload re-delivered by the same source is the same signal.
type Signal struct {
	ID          string
	SourceTag   string
	Tier        SourceTier
	Category    FeedCategory
	Topic       string
	Payload     string
	Confidence  float64 // blended tier prior x source score, 0..1
	RawScore    float64 // source-reported, 0..1
	ObservedAt  time.Time
	IngestedAt  time.Time
}

// IngestResult reports whether an Ingest call stored a new signal or hit
// an already-known ID.
type IngestResult struct {
	Signal    Signal
	Duplicate bool
}

// FeedStatus is the rolling health record for one OSINT source.
type FeedStatus struct {
	SourceTag   string
	Category    FeedCategory
	Healthy     bool
	Confidence  float64 // EWMA of per-poll success, 0..1
	LastOKAt    time.Time
	LastError   string
	LastErrorAt *time.Time
	ConsecErrs  int
	Critical    bool // absence of a critical feed forces survival mode
	UpdatedAt   time.Time
}

// Staleness returns how long ago the feed last delivered.
func (f FeedStatus) Staleness(now time.Time) time.Duration {
	if f.LastOKAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(f.LastOKAt)
}
