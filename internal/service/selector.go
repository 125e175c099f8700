package service

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"payswitch/internal/coord"
	"payswitch/internal/models"
	"payswitch/internal/util"

	"go.uber.org/zap"
)

// Strategy decides the candidate order for fallback
type Strategy string

const (
	StrategyWeightedRandom Strategy = "weighted_random"
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyRandom         Strategy = "random"
	StrategyLeastUsed      Strategy = "least_used"
	StrategyCostOptimized  Strategy = "cost_optimized"
)

// ParseStrategy accepts a configured strategy name. Empty means weighted random.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case "":
		return StrategyWeightedRandom, nil
	case StrategyWeightedRandom, StrategyRoundRobin, StrategyRandom, StrategyLeastUsed, StrategyCostOptimized:
		return s, nil
	default:
		return "", fmt.Errorf("unknown selection strategy %q", name)
	}
}

// ChannelSelector filters channels by amount and orders them for fallback
type ChannelSelector struct {
	store    coord.Store
	strategy Strategy
	logger   *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewChannelSelector creates a selector; counters for round robin and
// least used live in store so every instance shares them.
func NewChannelSelector(store coord.Store, strategy Strategy) *ChannelSelector {
	if strategy == "" {
		strategy = StrategyWeightedRandom
	}
	return &ChannelSelector{
		store:    store,
		strategy: strategy,
		logger:   util.GetLogger(),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the random source, used by tests for repeatable draws
func (s *ChannelSelector) WithRand(r *rand.Rand) *ChannelSelector {
	s.mu.Lock()
	s.rnd = r
	s.mu.Unlock()
	return s
}

// Strategy returns the default strategy
func (s *ChannelSelector) Strategy() Strategy {
	return s.strategy
}

// FilterByAmount keeps the channels whose bounds accept amount
func FilterByAmount(channels []*models.ChannelDescriptor, amount int64) []*models.ChannelDescriptor {
	out := make([]*models.ChannelDescriptor, 0, len(channels))
	for _, c := range channels {
		if c.AcceptsAmount(amount) {
			out = append(out, c)
		}
	}
	return out
}

// Select applies the default strategy
func (s *ChannelSelector) Select(ctx context.Context, productID int64, channels []*models.ChannelDescriptor, amount int64) ([]*models.ChannelDescriptor, error) {
	return s.SelectWith(ctx, s.strategy, productID, channels, amount)
}

// SelectWith returns every channel accepting amount, preferred first
func (s *ChannelSelector) SelectWith(ctx context.Context, strategy Strategy, productID int64, channels []*models.ChannelDescriptor, amount int64) ([]*models.ChannelDescriptor, error) {
	qualified := FilterByAmount(channels, amount)
	if len(qualified) == 0 {
		return nil, newBusinessError(KindAmountOutOfRange, "no channel of product %d accepts amount %d", productID, amount)
	}

	ordered := byWeight(qualified)
	if len(ordered) == 1 {
		s.recordUse(ctx, ordered[0])
		return ordered, nil
	}

	var first int
	switch strategy {
	case StrategyCostOptimized:
		// stable: equal cost keeps weight order
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].CostRate.LessThan(ordered[j].CostRate)
		})
		s.recordUse(ctx, ordered[0])
		return ordered, nil
	case StrategyRoundRobin:
		first = s.roundRobin(ctx, productID, len(ordered))
	case StrategyRandom:
		first = s.intn(len(ordered))
	case StrategyLeastUsed:
		first = s.leastUsed(ctx, ordered)
	default:
		first = s.weightedPick(ordered)
	}

	result := promote(ordered, first)
	s.recordUse(ctx, result[0])
	return result, nil
}

// byWeight copies channels into weight desc, channel id asc order
func byWeight(channels []*models.ChannelDescriptor) []*models.ChannelDescriptor {
	out := make([]*models.ChannelDescriptor, len(channels))
	copy(out, channels)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// promote moves index i to the front keeping the rest in order
func promote(channels []*models.ChannelDescriptor, i int) []*models.ChannelDescriptor {
	out := make([]*models.ChannelDescriptor, 0, len(channels))
	out = append(out, channels[i])
	out = append(out, channels[:i]...)
	return append(out, channels[i+1:]...)
}

func (s *ChannelSelector) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Intn(n)
}

// weightedPick draws in [1, total] over channels sorted by weight desc.
// Non-positive weights never win unless every weight is non-positive.
func (s *ChannelSelector) weightedPick(ordered []*models.ChannelDescriptor) int {
	total := 0
	for _, c := range ordered {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		return 0
	}

	draw := s.intn(total) + 1
	sum := 0
	for i, c := range ordered {
		if c.Weight <= 0 {
			continue
		}
		sum += c.Weight
		if draw <= sum {
			return i
		}
	}
	return 0
}

func (s *ChannelSelector) roundRobin(ctx context.Context, productID int64, n int) int {
	next, err := s.store.IncrBy(ctx, fmt.Sprintf("selector:rr:%d", productID), 1, 0)
	if err != nil {
		s.logger.Warn("Round robin cursor unavailable, using weight order",
			zap.Int64("product_id", productID), zap.Error(err))
		return 0
	}
	return int((next - 1) % int64(n))
}

func (s *ChannelSelector) leastUsed(ctx context.Context, ordered []*models.ChannelDescriptor) int {
	best, bestCount := 0, int64(-1)
	for i, c := range ordered {
		raw, ok, err := s.store.Get(ctx, usageKey(c.ChannelID))
		if err != nil {
			s.logger.Warn("Usage counter unavailable, using weight order", zap.Error(err))
			return 0
		}
		var count int64
		if ok {
			count, _ = strconv.ParseInt(raw, 10, 64)
		}
		if bestCount < 0 || count < bestCount {
			best, bestCount = i, count
		}
	}
	return best
}

func (s *ChannelSelector) recordUse(ctx context.Context, c *models.ChannelDescriptor) {
	if _, err := s.store.IncrBy(ctx, usageKey(c.ChannelID), 1, 0); err != nil {
		s.logger.Debug("Failed to record channel usage", zap.Int64("channel_id", c.ChannelID), zap.Error(err))
	}
}

func usageKey(channelID int64) string {
	return fmt.Sprintf("selector:usage:%d", channelID)
}
