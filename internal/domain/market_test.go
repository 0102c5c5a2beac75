package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarketStatusTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		from MarketStatus
		to   MarketStatus
		ok   bool
	}{
		{"open_to_closed", MarketStatusOpen, MarketStatusClosed, true},
		{"open_to_voided", MarketStatusOpen, MarketStatusVoided, true},
		{"closed_to_resolving", MarketStatusClosed, MarketStatusResolving, true},
		{"closed_to_voided", MarketStatusClosed, MarketStatusVoided, true},
		{"resolving_to_resolved", MarketStatusResolving, MarketStatusResolved, true},
		{"open_to_resolved", MarketStatusOpen, MarketStatusResolved, false},
		{"open_to_resolving", MarketStatusOpen, MarketStatusResolving, false},
		{"resolved_is_terminal", MarketStatusResolved, MarketStatusOpen, false},
		{"voided_is_terminal", MarketStatusVoided, MarketStatusClosed, false},
		{"resolving_cannot_void", MarketStatusResolving, MarketStatusVoided, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}
}

func TestMarketOdds(t *testing.T) {
	t.Parallel()

	m := Market{Reserves: []float64{1000, 1000}}
	odds := m.Odds()
	assert.InDelta(t, 0.5, odds[0], 1e-9)
	assert.InDelta(t, 0.5, odds[1], 1e-9)

	// After a YES buy the YES reserve shrinks, so its displayed odds drop
	// below one half while the marginal price rises above it.
	m = Market{Reserves: []float64{952.3809523809523, 1050}}
	odds = m.Odds()
	assert.Less(t, odds[0], 0.5)
	assert.Greater(t, m.MarginalPrice(0), 0.5)

	sum := 0.0
	for i := range m.Reserves {
		sum += m.MarginalPrice(i)
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestMarginalPriceBinaryMatchesClosedForm(t *testing.T) {
	t.Parallel()

	m := Market{Reserves: []float64{800, 1200}}
	y, n := m.Reserves[0], m.Reserves[1]
	assert.InDelta(t, n/(y+n), m.MarginalPrice(0), 1e-12)
	assert.InDelta(t, y/(y+n), m.MarginalPrice(1), 1e-12)
}
