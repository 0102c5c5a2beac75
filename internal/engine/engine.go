// Package engine is the market state engine: serialized CPMM mutation,
// advisory quoting, idempotent execution and the market lifecycle state
// machine. All market mutation in the process goes through Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/metrics"
)

// Config bounds engine behaviour.
type Config struct {
	QuoteValid           time.Duration
	IdemRetention        time.Duration
	SlippageToleranceBps float64
	MinPositionUSD       float64
	MaxPositionUSD       float64
	DisputeWindow        time.Duration
}

// ModeReader exposes the supervisor's current state to the engine without
// letting it write. Survival mode halves the maximum position size.
type ModeReader func() domain.ModeState

// Engine owns all market mutation. Each market has a logical lock held
// across the whole execute path; quotes never lock.
type Engine struct {
	cfg       Config
	clk       clock.Clock
	markets   domain.MarketStore
	trades    domain.TradeStore
	positions domain.PositionStore
	timelines domain.TimelineStore
	idem      domain.IdempotencyCache
	bus       *bus.Bus
	met       *metrics.Registry
	logger    *slog.Logger
	modeFn    ModeReader
	halt      chan<- error
	haltedFn  func() bool

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	quoteMu sync.Mutex
	quotes  map[string]domain.Quote
}

// New wires the engine. met may be nil in tests; halt may be nil when no
// emergency supervisor is attached.
func New(
	cfg Config,
	clk clock.Clock,
	markets domain.MarketStore,
	trades domain.TradeStore,
	positions domain.PositionStore,
	timelines domain.TimelineStore,
	idem domain.IdempotencyCache,
	b *bus.Bus,
	met *metrics.Registry,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		clk:       clk,
		markets:   markets,
		trades:    trades,
		positions: positions,
		timelines: timelines,
		idem:      idem,
		bus:       b,
		met:       met,
		logger:    logger.With(slog.String("component", "engine")),
		locks:     make(map[string]*sync.Mutex),
		quotes:    make(map[string]domain.Quote),
	}
}

// SetModeReader attaches the supervisor's read handle.
func (e *Engine) SetModeReader(fn ModeReader) { e.modeFn = fn }

// SetHaltChannel attaches the emergency halt channel. A conservation
// violation is pushed there and the engine refuses the trade.
func (e *Engine) SetHaltChannel(halt chan<- error) { e.halt = halt }

// SetHaltReader attaches the orchestrator's halt flag. Once it reports
// true every Execute is refused with ErrHalted; the halt never clears
// within a process lifetime.
func (e *Engine) SetHaltReader(fn func() bool) { e.haltedFn = fn }

func (e *Engine) marketLock(id string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

// CreateMarket opens a new market with equal per-outcome reserves of
// seed/|outcomes|.
func (e *Engine) CreateMarket(ctx context.Context, timelineID, topic, question string, outcomes []string, seedLiquidity float64) (domain.Market, error) {
	if len(outcomes) < domain.MinOutcomes || len(outcomes) > domain.MaxOutcomes {
		return domain.Market{}, fmt.Errorf("engine: outcome count %d outside [%d,%d]: %w",
			len(outcomes), domain.MinOutcomes, domain.MaxOutcomes, domain.ErrInvalidArg)
	}
	if seedLiquidity <= 0 {
		return domain.Market{}, fmt.Errorf("engine: seed liquidity must be positive: %w", domain.ErrInvalidArg)
	}
	for i, o := range outcomes {
		if o == "" {
			return domain.Market{}, fmt.Errorf("engine: outcome %d is empty: %w", i, domain.ErrInvalidArg)
		}
	}
	if _, err := e.timelines.GetByID(ctx, timelineID); err != nil {
		return domain.Market{}, fmt.Errorf("engine: timeline %s: %w", timelineID, err)
	}

	now := e.clk.Now()
	per := seedLiquidity / float64(len(outcomes))
	reserves := make([]float64, len(outcomes))
	for i := range reserves {
		reserves[i] = per
	}
	m := domain.Market{
		ID:            uuid.New().String(),
		TimelineID:    timelineID,
		Topic:         topic,
		Question:      question,
		Outcomes:      append([]string(nil), outcomes...),
		Reserves:      reserves,
		SeedLiquidity: seedLiquidity,
		Status:        domain.MarketStatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("engine: create market: %w", wrapStorage(err))
	}

	if e.bus != nil {
		e.bus.Publish(domain.Event{
			Kind:       domain.EventMarketCreated,
			At:         now,
			TimelineID: timelineID,
			MarketID:   m.ID,
			Payload:    m,
		})
	}
	e.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("timeline_id", timelineID),
		slog.Int("outcomes", len(outcomes)),
		slog.Float64("seed", seedLiquidity),
	)
	return m, nil
}

// Quote prices a prospective trade without locking. The result carries a
// quote id valid for the configured window; execution re-computes against
// live reserves, so the quote is advisory.
func (e *Engine) Quote(ctx context.Context, marketID string, outcomeIdx int, amountUSD float64, side domain.TradeSide) (domain.Quote, error) {
	defer e.observe("quote", e.clk.Now())
	if !side.Valid() {
		return domain.Quote{}, fmt.Errorf("engine: unknown side %q: %w", side, domain.ErrInvalidArg)
	}

	m, err := e.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("engine: quote %s: %w", marketID, err)
	}
	if !m.Tradable() {
		return domain.Quote{}, fmt.Errorf("engine: market %s is %s: %w", marketID, m.Status, domain.ErrMarketClosed)
	}

	pre := m.MarginalPrice(outcomeIdx)
	next, shares, err := applyTrade(m.Reserves, outcomeIdx, amountUSD, side)
	if err != nil {
		return domain.Quote{}, err
	}
	fill := amountUSD / shares

	now := e.clk.Now()
	q := domain.Quote{
		ID:             uuid.New().String(),
		MarketID:       marketID,
		OutcomeIdx:     outcomeIdx,
		Side:           side,
		AmountUSD:      amountUSD,
		Shares:         shares,
		FillPrice:      fill,
		PriceImpactBps: impactBps(pre, fill),
		PostReserves:   next,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.cfg.QuoteValid),
	}
	e.rememberQuote(q)

	if e.bus != nil {
		e.bus.Publish(domain.Event{
			Kind:       domain.EventMarketQuoted,
			At:         now,
			TimelineID: m.TimelineID,
			MarketID:   marketID,
			Payload:    q,
		})
	}
	return q, nil
}

// ExecuteRequest is one execution order. QuoteID is optional: when set
// and the quote is still valid, its fill price bounds the slippage guard.
type ExecuteRequest struct {
	MarketID   string
	OutcomeIdx int
	Side       domain.TradeSide
	AmountUSD  float64
	OwnerRef   string
	IdemKey    string
	QuoteID    string
}

// Execute performs one serialized trade. Re-presenting an idempotency key
// returns the originally executed trade with ErrIdempotentReplay and no
// state change. Cancellation mid-flight finalizes the idempotency record
// as aborted and returns ErrCancelled.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (domain.Trade, error) {
	defer e.observe("execute", e.clk.Now())
	if e.haltedFn != nil && e.haltedFn() {
		return domain.Trade{}, fmt.Errorf("engine: execute %s: %w", req.MarketID, domain.ErrHalted)
	}
	if err := e.validateExecute(req); err != nil {
		return domain.Trade{}, err
	}

	claimed, prior, err := e.idem.Begin(ctx, idemKeyFor(req.MarketID, req.IdemKey), e.cfg.IdemRetention)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("engine: idempotency begin: %w", wrapStorage(err))
	}
	if !claimed {
		switch prior.State {
		case domain.IdemStateCommitted:
			orig, gerr := e.trades.GetByID(ctx, prior.TradeID)
			if gerr != nil {
				return domain.Trade{}, fmt.Errorf("engine: replay lookup %s: %w", prior.TradeID, wrapStorage(gerr))
			}
			return orig, fmt.Errorf("engine: key %q already executed: %w", req.IdemKey, domain.ErrIdempotentReplay)
		case domain.IdemStatePending:
			return domain.Trade{}, fmt.Errorf("engine: key %q is executing: %w", req.IdemKey, domain.ErrBusy)
		}
		// Aborted records fall through and execute fresh.
	}

	trade, err := e.executeLocked(ctx, req)
	if err != nil {
		_ = e.idem.Abort(ctx, idemKeyFor(req.MarketID, req.IdemKey), e.cfg.IdemRetention)
		return domain.Trade{}, err
	}
	if cerr := e.idem.Commit(ctx, idemKeyFor(req.MarketID, req.IdemKey), trade.ID, e.cfg.IdemRetention); cerr != nil {
		e.logger.ErrorContext(ctx, "idempotency commit failed",
			slog.String("trade_id", trade.ID),
			slog.String("error", cerr.Error()))
	}
	return trade, nil
}

// executeLocked holds the market lock across recompute, reserve update,
// position merge and volume increment.
func (e *Engine) executeLocked(ctx context.Context, req ExecuteRequest) (domain.Trade, error) {
	mu := e.marketLock(req.MarketID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.Trade{}, fmt.Errorf("engine: execute %s: %w", req.MarketID, domain.ErrCancelled)
	}

	m, err := e.markets.GetByID(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("engine: execute %s: %w", req.MarketID, err)
	}
	if !m.Tradable() {
		return domain.Trade{}, fmt.Errorf("engine: market %s is %s: %w", req.MarketID, m.Status, domain.ErrMarketClosed)
	}

	pre := m.MarginalPrice(req.OutcomeIdx)
	next, shares, err := applyTrade(m.Reserves, req.OutcomeIdx, req.AmountUSD, req.Side)
	if err != nil {
		return domain.Trade{}, err
	}
	fill := req.AmountUSD / shares

	if err := e.checkSlippage(req, fill); err != nil {
		return domain.Trade{}, err
	}

	pos, err := e.mergePosition(ctx, m, req, shares, fill)
	if err != nil {
		return domain.Trade{}, err
	}

	if err := auditReserves(m.SeedLiquidity, len(m.Outcomes), m.Reserves, next, req.OutcomeIdx, req.Side, shares, req.AmountUSD); err != nil {
		e.emergency(err)
		return domain.Trade{}, err
	}

	now := e.clk.Now()
	m.Reserves = next
	m.VolumeUSD += req.AmountUSD
	m.TradeCount++
	m.UpdatedAt = now

	trade := domain.Trade{
		ID:         uuid.New().String(),
		MarketID:   m.ID,
		TimelineID: m.TimelineID,
		OwnerRef:   req.OwnerRef,
		OutcomeIdx: req.OutcomeIdx,
		Side:       req.Side,
		AmountUSD:  req.AmountUSD,
		Shares:     shares,
		FillPrice:  fill,
		ImpactBps:  impactBps(pre, fill),
		IdemKey:    idemKeyFor(req.MarketID, req.IdemKey),
		QuoteID:    req.QuoteID,
		CreatedAt:  now,
	}

	if err := e.markets.Update(ctx, m); err != nil {
		return domain.Trade{}, fmt.Errorf("engine: persist reserves: %w", wrapStorage(err))
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		return domain.Trade{}, fmt.Errorf("engine: persist trade: %w", wrapStorage(err))
	}
	if err := e.positions.Upsert(ctx, pos); err != nil {
		return domain.Trade{}, fmt.Errorf("engine: persist position: %w", wrapStorage(err))
	}

	e.publishTrade(m, trade, pos, now)
	return trade, nil
}

func (e *Engine) validateExecute(req ExecuteRequest) error {
	if !req.Side.Valid() {
		return fmt.Errorf("engine: unknown side %q: %w", req.Side, domain.ErrInvalidArg)
	}
	if req.OwnerRef == "" {
		return fmt.Errorf("engine: owner ref is required: %w", domain.ErrInvalidArg)
	}
	if req.IdemKey == "" {
		return fmt.Errorf("engine: idempotency key is required: %w", domain.ErrInvalidArg)
	}
	if req.AmountUSD < e.cfg.MinPositionUSD {
		return fmt.Errorf("engine: amount %.2f below minimum %.2f: %w",
			req.AmountUSD, e.cfg.MinPositionUSD, domain.ErrInvalidArg)
	}
	maxUSD := e.cfg.MaxPositionUSD
	if e.modeFn != nil && e.modeFn().Tier == domain.ModeSurvival {
		maxUSD /= 2
	}
	if req.AmountUSD > maxUSD {
		return fmt.Errorf("engine: amount %.2f above maximum %.2f: %w",
			req.AmountUSD, maxUSD, domain.ErrInvalidArg)
	}
	return nil
}

// checkSlippage enforces the quoted fill bound plus tolerance, when the
// caller presented a still-valid quote.
func (e *Engine) checkSlippage(req ExecuteRequest, fill float64) error {
	if req.QuoteID == "" {
		return nil
	}
	q, ok := e.lookupQuote(req.QuoteID)
	if !ok || q.Expired(e.clk.Now()) {
		// A stale or unknown quote disables the guard rather than
		// failing the trade: the quote is advisory.
		return nil
	}
	tol := 1 + e.cfg.SlippageToleranceBps/10_000
	switch req.Side {
	case domain.TradeSideBuy:
		if fill > q.FillPrice*tol {
			return fmt.Errorf("engine: fill %.6f exceeds quoted %.6f: %w", fill, q.FillPrice, domain.ErrSlippageExceeded)
		}
	case domain.TradeSideSell:
		if fill < q.FillPrice/tol {
			return fmt.Errorf("engine: fill %.6f below quoted %.6f: %w", fill, q.FillPrice, domain.ErrSlippageExceeded)
		}
	}
	return nil
}

// mergePosition folds the trade into the owner's holding of the outcome.
// Sells require sufficient held shares.
func (e *Engine) mergePosition(ctx context.Context, m domain.Market, req ExecuteRequest, shares, fill float64) (domain.Position, error) {
	now := e.clk.Now()
	pos, err := e.positions.Get(ctx, req.OwnerRef, req.MarketID, req.OutcomeIdx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Position{}, fmt.Errorf("engine: load position: %w", wrapStorage(err))
		}
		pos = domain.Position{
			ID:         uuid.New().String(),
			MarketID:   req.MarketID,
			TimelineID: m.TimelineID,
			OwnerRef:   req.OwnerRef,
			OutcomeIdx: req.OutcomeIdx,
			OpenedAt:   now,
		}
	}

	switch req.Side {
	case domain.TradeSideBuy:
		pos.Shares += shares
		pos.CostBasis += req.AmountUSD
	case domain.TradeSideSell:
		if pos.Shares < shares {
			return domain.Position{}, fmt.Errorf("engine: selling %.4f shares but holding %.4f: %w",
				shares, pos.Shares, domain.ErrInsufficientFunds)
		}
		released := pos.CostBasis * (shares / pos.Shares)
		pos.Shares -= shares
		pos.CostBasis -= released
		pos.RealizedPnL += req.AmountUSD - released
		if pos.Shares < 1e-12 {
			pos.Shares = 0
			pos.CostBasis = 0
		}
	}
	pos.UpdatedAt = now
	return pos, nil
}

func (e *Engine) publishTrade(m domain.Market, trade domain.Trade, pos domain.Position, now time.Time) {
	capital := string(domain.CapitalModeSimulated)
	if tl, err := e.timelines.GetByID(context.Background(), m.TimelineID); err == nil && !tl.Simulated() {
		capital = string(domain.CapitalModeReal)
	}
	if e.met != nil {
		e.met.TradesExecuted.WithLabelValues(capital, string(trade.Side)).Inc()
		e.met.TradeVolume.Add(trade.AmountUSD)
	}
	if e.bus == nil {
		return
	}
	e.bus.Publish(domain.Event{
		Kind:       domain.EventTradeExecuted,
		At:         now,
		TimelineID: m.TimelineID,
		MarketID:   m.ID,
		Payload:    trade,
	})
	e.bus.Publish(domain.Event{
		Kind:       domain.EventPositionUpdated,
		At:         now,
		TimelineID: m.TimelineID,
		MarketID:   m.ID,
		Payload:    pos,
	})
}

func (e *Engine) emergency(err error) {
	e.logger.Error("conservation violated, requesting halt", slog.String("error", err.Error()))
	if e.halt == nil {
		return
	}
	select {
	case e.halt <- err:
	default:
	}
}

func (e *Engine) rememberQuote(q domain.Quote) {
	e.quoteMu.Lock()
	defer e.quoteMu.Unlock()
	// Opportunistic sweep keeps the advisory map bounded.
	now := e.clk.Now()
	for id, old := range e.quotes {
		if old.Expired(now) {
			delete(e.quotes, id)
		}
	}
	e.quotes[q.ID] = q
}

func (e *Engine) lookupQuote(id string) (domain.Quote, bool) {
	e.quoteMu.Lock()
	defer e.quoteMu.Unlock()
	q, ok := e.quotes[id]
	return q, ok
}

func (e *Engine) observe(op string, start time.Time) {
	if e.met != nil {
		e.met.EngineLatency.WithLabelValues(op).Observe(e.clk.Now().Sub(start).Seconds())
	}
}

func idemKeyFor(marketID, key string) string {
	return marketID + ":" + key
}

// wrapStorage folds driver errors into the transient storage kind while
// preserving sentinel errors that already carry a taxonomy.
func wrapStorage(err error) error {
	if errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidArg) ||
		errors.Is(err, domain.ErrStorageFault) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStorageFault, err)
}

// applyTrade dispatches to the CPMM buy/sell rule.
func applyTrade(reserves []float64, i int, amount float64, side domain.TradeSide) ([]float64, float64, error) {
	if side == domain.TradeSideSell {
		return applySell(reserves, i, amount)
	}
	return applyBuy(reserves, i, amount)
}

// auditReserves is the post-trade conservation check: every reserve must
// equal the initial seed share plus the accumulated signed deltas this
// trade implies, and the pool product must have survived.
func auditReserves(seed float64, outcomes int, before, after []float64, idx int, side domain.TradeSide, shares, amount float64) error {
	if len(before) != len(after) {
		return fmt.Errorf("reserve vector changed arity %d -> %d: %w", len(before), len(after), domain.ErrConservationViolated)
	}
	sign := 1.0
	if side == domain.TradeSideSell {
		sign = -1.0
	}
	for j := range after {
		want := before[j] + sign*amount
		if j == idx {
			want -= sign * shares
		}
		if diff := want - after[j]; diff > conservationTolerance(seed) || diff < -conservationTolerance(seed) {
			return fmt.Errorf("outcome %d reserve drifted by %.9f: %w", j, diff, domain.ErrConservationViolated)
		}
	}
	return checkConservation(product(before), after)
}

func conservationTolerance(seed float64) float64 {
	tol := seed * 1e-9
	if tol < 1e-6 {
		tol = 1e-6
	}
	return tol
}
