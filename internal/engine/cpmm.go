package engine

import (
	"fmt"
	"math"

	"github.com/echelonworks/echelond/internal/domain"
)

// productTolerance is the per-trade relative drift allowed on the reserve
// product before the trade is treated as a conservation violation.
const productTolerance = 1e-6

// product returns the invariant k of a reserve vector.
func product(reserves []float64) float64 {
	k := 1.0
	for _, r := range reserves {
		k *= r
	}
	return k
}

// productExcept returns the product of all reserves but index i.
func productExcept(reserves []float64, i int) float64 {
	k := 1.0
	for j, r := range reserves {
		if j != i {
			k *= r
		}
	}
	return k
}

// marginalPrice is the instantaneous price of outcome i: the
// inverse-reserve share. Binary markets reduce to n/(y+n) for YES.
func marginalPrice(reserves []float64, i int) float64 {
	sum := 0.0
	for _, r := range reserves {
		sum += 1 / r
	}
	return (1 / reserves[i]) / sum
}

// applyBuy spends amount USD on outcome i. The cash is added to every
// reserve, then outcome i's reserve is shrunk to restore the invariant;
// the difference is the shares handed to the buyer. Returns the new
// reserve vector and the shares out.
func applyBuy(reserves []float64, i int, amount float64) ([]float64, float64, error) {
	if i < 0 || i >= len(reserves) {
		return nil, 0, fmt.Errorf("outcome index %d out of range: %w", i, domain.ErrInvalidArg)
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, 0, fmt.Errorf("amount must be a positive finite number: %w", domain.ErrInvalidArg)
	}

	k := product(reserves)
	next := make([]float64, len(reserves))
	for j, r := range reserves {
		next[j] = r + amount
	}
	next[i] = k / productExcept(next, i)

	shares := reserves[i] + amount - next[i]
	if shares <= 0 || next[i] <= 0 {
		return nil, 0, fmt.Errorf("buy degenerated to non-positive shares: %w", domain.ErrInvalidArg)
	}
	if err := checkConservation(k, next); err != nil {
		return nil, 0, err
	}
	return next, shares, nil
}

// applySell withdraws amount USD by selling outcome i shares: the cash
// leaves every reserve, then outcome i's reserve grows to restore the
// invariant; the growth plus the withdrawal is the shares surrendered.
// The withdrawal must stay below the smallest reserve or a pool would go
// non-positive.
func applySell(reserves []float64, i int, amount float64) ([]float64, float64, error) {
	if i < 0 || i >= len(reserves) {
		return nil, 0, fmt.Errorf("outcome index %d out of range: %w", i, domain.ErrInvalidArg)
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, 0, fmt.Errorf("amount must be a positive finite number: %w", domain.ErrInvalidArg)
	}
	for _, r := range reserves {
		if amount >= r {
			return nil, 0, fmt.Errorf("withdrawal %.6f would drain a reserve of %.6f: %w", amount, r, domain.ErrInvalidArg)
		}
	}

	k := product(reserves)
	next := make([]float64, len(reserves))
	for j, r := range reserves {
		next[j] = r - amount
	}
	next[i] = k / productExcept(next, i)

	shares := next[i] - reserves[i] + amount
	if shares <= 0 {
		return nil, 0, fmt.Errorf("sell degenerated to non-positive shares: %w", domain.ErrInvalidArg)
	}
	if err := checkConservation(k, next); err != nil {
		return nil, 0, err
	}
	return next, shares, nil
}

// checkConservation verifies the invariant survived a trade within the
// float tolerance and that no reserve went non-positive.
func checkConservation(k float64, reserves []float64) error {
	for _, r := range reserves {
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("reserve %.9f after trade: %w", r, domain.ErrConservationViolated)
		}
	}
	k2 := product(reserves)
	if k <= 0 {
		return fmt.Errorf("invariant %.9f before trade: %w", k, domain.ErrConservationViolated)
	}
	if drift := math.Abs(k2-k) / k; drift > productTolerance {
		return fmt.Errorf("invariant drifted by %.3e: %w", drift, domain.ErrConservationViolated)
	}
	return nil
}

// impactBps measures how far the realized average fill diverged from the
// pre-trade marginal price, in basis points.
func impactBps(preMarginal, fillPrice float64) float64 {
	if preMarginal <= 0 {
		return 0
	}
	return math.Abs(fillPrice-preMarginal) / preMarginal * 10_000
}
