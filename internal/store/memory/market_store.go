package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/echelonworks/echelond/internal/domain"
)

// MarketStore implements domain.MarketStore in memory.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates an empty in-memory market store.
func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[string]domain.Market)}
}

func cloneMarket(m domain.Market) domain.Market {
	out := m
	out.Outcomes = append([]string(nil), m.Outcomes...)
	out.Reserves = append([]float64(nil), m.Reserves...)
	return out
}

// Create stores a new market; the ID must not already exist.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return domain.ErrInvalidArg
	}
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

// Update overwrites an existing market.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; !ok {
		return domain.ErrNotFound
	}
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

// GetByID returns the market with the given ID.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return cloneMarket(m), nil
}

func (s *MarketStore) list(filter func(domain.Market) bool) []domain.Market {
	out := make([]domain.Market, 0)
	for _, m := range s.markets {
		if filter(m) {
			out = append(out, cloneMarket(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func applyListOpts(markets []domain.Market, opts domain.ListOpts) []domain.Market {
	if opts.Offset > 0 {
		if opts.Offset >= len(markets) {
			return nil
		}
		markets = markets[opts.Offset:]
	}
	if opts.Limit > 0 && len(markets) > opts.Limit {
		markets = markets[:opts.Limit]
	}
	return markets
}

// ListByTimeline returns markets in one timeline, newest first.
func (s *MarketStore) ListByTimeline(ctx context.Context, timelineID string, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return applyListOpts(s.list(func(m domain.Market) bool {
		return m.TimelineID == timelineID
	}), opts), nil
}

// ListOpen returns all open markets, newest first.
func (s *MarketStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return applyListOpts(s.list(func(m domain.Market) bool {
		return m.Status == domain.MarketStatusOpen
	}), opts), nil
}

// ListOpenByTopic returns open markets whose topic matches.
func (s *MarketStore) ListOpenByTopic(ctx context.Context, topic string) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(m domain.Market) bool {
		return m.Status == domain.MarketStatusOpen && m.Topic == topic
	}), nil
}

// ListTrending returns open markets ordered by volume descending.
func (s *MarketStore) ListTrending(ctx context.Context, since time.Time, limit int) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.list(func(m domain.Market) bool {
		return m.Status == domain.MarketStatusOpen && m.UpdatedAt.After(since)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].VolumeUSD > out[j].VolumeUSD })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats aggregates market counters.
func (s *MarketStore) Stats(ctx context.Context, since time.Time) (domain.MarketStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st domain.MarketStats
	topicVol := make(map[string]float64)
	for _, m := range s.markets {
		switch m.Status {
		case domain.MarketStatusOpen:
			st.OpenMarkets++
		case domain.MarketStatusResolved:
			st.ResolvedTotal++
		}
		if m.UpdatedAt.After(since) {
			st.VolumeUSD24h += m.VolumeUSD
			st.TradeCount24h += m.TradeCount
			topicVol[m.Topic] += m.VolumeUSD
		}
	}
	topics := make([]string, 0, len(topicVol))
	for t := range topicVol {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if topicVol[topics[i]] != topicVol[topics[j]] {
			return topicVol[topics[i]] > topicVol[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > 5 {
		topics = topics[:5]
	}
	st.TopTopics = topics
	return st, nil
}

// TradeStore implements domain.TradeStore in memory.
type TradeStore struct {
	mu     sync.RWMutex
	byID   map[string]domain.Trade
	byIdem map[string]string // idem key -> trade id
	order  []string
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates an empty in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		byID:   make(map[string]domain.Trade),
		byIdem: make(map[string]string),
	}
}

// Insert appends a trade.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; ok {
		return domain.ErrInvalidArg
	}
	s.byID[t.ID] = t
	s.order = append(s.order, t.ID)
	if t.IdemKey != "" {
		s.byIdem[t.IdemKey] = t.ID
	}
	return nil
}

// GetByID returns the trade with the given ID.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}

// GetByIdemKey returns the trade recorded under an idempotency key.
func (s *TradeStore) GetByIdemKey(ctx context.Context, key string) (domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdem[key]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *TradeStore) listFiltered(filter func(domain.Trade) bool, opts domain.ListOpts) []domain.Trade {
	out := make([]domain.Trade, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.byID[s.order[i]]
		if filter(t) {
			out = append(out, t)
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// ListByMarket returns trades in one market, newest first.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listFiltered(func(t domain.Trade) bool { return t.MarketID == marketID }, opts), nil
}

// ListByOwner returns trades by one owner, newest first.
func (s *TradeStore) ListByOwner(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listFiltered(func(t domain.Trade) bool { return t.OwnerRef == ownerRef }, opts), nil
}

// PositionStore implements domain.PositionStore in memory.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position // keyed owner|market|outcome
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates an empty in-memory position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func posKey(ownerRef, marketID string, outcomeIdx int) string {
	return fmt.Sprintf("%s|%s|%d", ownerRef, marketID, outcomeIdx)
}

// Upsert stores the merged position.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[posKey(p.OwnerRef, p.MarketID, p.OutcomeIdx)] = p
	return nil
}

// Get returns one owner's position in one market outcome.
func (s *PositionStore) Get(ctx context.Context, ownerRef, marketID string, outcomeIdx int) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey(ownerRef, marketID, outcomeIdx)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *PositionStore) listFiltered(filter func(domain.Position) bool) []domain.Position {
	out := make([]domain.Position, 0)
	for _, p := range s.positions {
		if filter(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerRef != out[j].OwnerRef {
			return out[i].OwnerRef < out[j].OwnerRef
		}
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].OutcomeIdx < out[j].OutcomeIdx
	})
	return out
}

// ListByOwner returns every position held by one owner.
func (s *PositionStore) ListByOwner(ctx context.Context, ownerRef string, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.listFiltered(func(p domain.Position) bool { return p.OwnerRef == ownerRef })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ListByMarket returns every position in one market.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listFiltered(func(p domain.Position) bool { return p.MarketID == marketID }), nil
}

// ListByTimeline returns every position inside one timeline.
func (s *PositionStore) ListByTimeline(ctx context.Context, timelineID string) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listFiltered(func(p domain.Position) bool { return p.TimelineID == timelineID }), nil
}

// Leaderboard ranks owners in one timeline by realized P&L descending,
// stable by owner ref.
func (s *PositionStore) Leaderboard(ctx context.Context, timelineID string, limit int) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pnl := make(map[string]float64)
	for _, p := range s.positions {
		if p.TimelineID == timelineID {
			pnl[p.OwnerRef] += p.RealizedPnL
		}
	}
	out := make([]domain.LeaderboardEntry, 0, len(pnl))
	for owner, v := range pnl {
		out = append(out, domain.LeaderboardEntry{OwnerRef: owner, RealizedPnL: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RealizedPnL != out[j].RealizedPnL {
			return out[i].RealizedPnL > out[j].RealizedPnL
		}
		return out[i].OwnerRef < out[j].OwnerRef
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}
