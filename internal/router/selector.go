package router

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Availability is the read side of rate-limit tracking consulted during
// selection. Defined here to avoid an import cycle with the ratelimit package.
type Availability interface {
	IsAvailable(ctx context.Context, c Candidate, estimatedTokens int) bool
	ConsecutiveFailures(ctx context.Context, c Candidate) int
}

// ScoreWeights are the coefficients of one optimization mode. Higher score
// is better.
type ScoreWeights struct {
	FreeTier float64 `yaml:"free_tier"`
	Cost     float64 `yaml:"cost"`
	Fit      float64 `yaml:"fit"`
	Failure  float64 `yaml:"failure"`
}

type SelectorConfig struct {
	Weights map[OptimizationMode]ScoreWeights `yaml:"weights"`
	// BalancedTargets is the preferred relative capability (0 smallest, 1
	// largest among survivors) per request type in balanced mode.
	BalancedTargets map[RequestType]float64 `yaml:"balanced_targets"`
	// FailureSaturation is the failure count at which the penalty maxes out.
	FailureSaturation int `yaml:"failure_saturation"`
	// TieBuckets bounds how many round-robin counters are remembered.
	TieBuckets int `yaml:"tie_buckets"`
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Weights: map[OptimizationMode]ScoreWeights{
			ModeCheap:    {FreeTier: 0.45, Cost: 0.35, Fit: 0.20, Failure: 0.30},
			ModeBalanced: {FreeTier: 0.30, Cost: 0.25, Fit: 0.45, Failure: 0.30},
			ModePowerful: {FreeTier: 0.05, Cost: 0, Fit: 1.0, Failure: 0.30},
		},
		BalancedTargets: map[RequestType]float64{
			TypeSimple:    0.3,
			TypeCreative:  0.5,
			TypeToolHeavy: 0.6,
			TypeComplex:   0.65,
			TypeReasoning: 0.8,
		},
		FailureSaturation: 5,
		TieBuckets:        4096,
	}
}

// Selector ranks candidates into a fallback chain.
type Selector struct {
	cfg      SelectorConfig
	budgeter *Budgeter
	limits   Availability
	logger   *slog.Logger

	mu         sync.Mutex
	tieCounter *lru.Cache[string, uint64]
}

type SelectorOption func(*Selector)

func WithSelectorLogger(l *slog.Logger) SelectorOption {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSelector(cfg SelectorConfig, budgeter *Budgeter, limits Availability, opts ...SelectorOption) *Selector {
	def := DefaultSelectorConfig()
	cfg.Weights = mergeDefaults(cfg.Weights, def.Weights)
	cfg.BalancedTargets = mergeDefaults(cfg.BalancedTargets, def.BalancedTargets)
	if cfg.FailureSaturation <= 0 {
		cfg.FailureSaturation = def.FailureSaturation
	}
	if cfg.TieBuckets <= 0 {
		cfg.TieBuckets = def.TieBuckets
	}
	cache, _ := lru.New[string, uint64](cfg.TieBuckets)
	s := &Selector{
		cfg:        cfg,
		budgeter:   budgeter,
		limits:     limits,
		logger:     slog.Default(),
		tieCounter: cache,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type survivor struct {
	ScoredCandidate
	strength float64
	failures int
}

// Select filters candidates by context fit and availability, scores the
// survivors for mode and returns them best first. An empty result means no
// candidate can serve the request.
func (s *Selector) Select(ctx context.Context, p RequestProfile, candidates []Candidate, mode OptimizationMode) SelectionResult {
	if _, ok := s.cfg.Weights[mode]; !ok {
		mode = ModeBalanced
	}
	res := SelectionResult{Mode: mode, Profile: p, Considered: len(candidates)}

	var pool []survivor
	for _, c := range candidates {
		budget, err := s.budgeter.Budget(p, c, mode)
		if err != nil {
			if !errors.Is(err, ErrInsufficientHeadroom) {
				s.logger.Warn("budget failed", slog.String("candidate", c.String()), slog.String("error", err.Error()))
			}
			continue
		}
		if s.limits != nil && !s.limits.IsAvailable(ctx, c, p.EstimatedInputTokens+budget.MaxOutputTokens) {
			s.logger.Debug("candidate unavailable", slog.String("candidate", c.String()))
			continue
		}
		sv := survivor{
			ScoredCandidate: ScoredCandidate{Candidate: c, Budget: budget},
			strength:        Strength(c.Model()),
		}
		if s.limits != nil {
			sv.failures = s.limits.ConsecutiveFailures(ctx, c)
		}
		pool = append(pool, sv)
	}
	if len(pool) == 0 {
		return res
	}

	s.score(pool, p, mode)
	freeFirst := mode != ModePowerful
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if freeFirst && a.Candidate.FreeTier() != b.Candidate.FreeTier() {
			return a.Candidate.FreeTier()
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Candidate.Key() < b.Candidate.Key()
	})
	s.rotateTies(pool, mode)

	res.Ranked = make([]ScoredCandidate, len(pool))
	for i, sv := range pool {
		res.Ranked[i] = sv.ScoredCandidate
	}
	return res
}

func (s *Selector) score(pool []survivor, p RequestProfile, mode OptimizationMode) {
	w := s.cfg.Weights[mode]

	minS, maxS := math.Inf(1), math.Inf(-1)
	maxPrice := 0.0
	for _, sv := range pool {
		minS = math.Min(minS, sv.strength)
		maxS = math.Max(maxS, sv.strength)
		maxPrice = math.Max(maxPrice, effectivePrice(sv.Candidate))
	}

	for i := range pool {
		sv := &pool[i]
		rel := 0.5
		if maxS > minS {
			rel = (sv.strength - minS) / (maxS - minS)
		}

		var fit float64
		switch mode {
		case ModeCheap:
			fit = 1 - rel
		case ModePowerful:
			fit = rel
		default:
			fit = 1 - math.Abs(rel-s.cfg.BalancedTargets[p.Type])
		}
		caps := sv.Candidate.Model().Capabilities
		if p.HasTools && !caps.Tools {
			fit *= 0.5
		}
		if p.Type == TypeReasoning && caps.Reasoning {
			fit = math.Min(1, fit+0.2)
		}

		cost := 1.0
		if maxPrice > 0 {
			cost = 1 - effectivePrice(sv.Candidate)/maxPrice
		}
		free := 0.0
		if sv.Candidate.FreeTier() {
			free = 1
		}
		penalty := math.Min(float64(sv.failures), float64(s.cfg.FailureSaturation)) / float64(s.cfg.FailureSaturation)

		sv.Score = w.FreeTier*free + w.Cost*cost + w.Fit*fit - w.Failure*penalty
	}
}

// rotateTies spreads load across exactly tied neighbours. Each tie group
// keeps its own counter, so repeated selections walk the group in order.
func (s *Selector) rotateTies(pool []survivor, mode OptimizationMode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for start := 0; start < len(pool); {
		end := start + 1
		for end < len(pool) && pool[end].Score == pool[start].Score &&
			pool[end].Candidate.FreeTier() == pool[start].Candidate.FreeTier() {
			end++
		}
		if n := end - start; n > 1 {
			keys := make([]string, n)
			for i := range keys {
				keys[i] = string(pool[start+i].Candidate.Key())
			}
			bucket := string(mode) + "|" + strconv.FormatFloat(pool[start].Score, 'g', -1, 64) + "|" + strings.Join(keys, ",")
			turn, _ := s.tieCounter.Get(bucket)
			s.tieCounter.Add(bucket, turn+1)
			rotate(pool[start:end], int(turn%uint64(n)))
		}
		start = end
	}
}

func rotate(xs []survivor, k int) {
	if k == 0 {
		return
	}
	tmp := append([]survivor(nil), xs[:k]...)
	copy(xs, xs[k:])
	copy(xs[len(xs)-k:], tmp)
}

func effectivePrice(c Candidate) float64 {
	if c.FreeTier() {
		return 0
	}
	return c.Model().BlendedPricePerMTok()
}

// Strength is a model's relative capability on a 1-10 scale. An explicit
// catalog weight wins; otherwise it is derived from context window, price
// and the reasoning flag.
func Strength(m ModelEntry) float64 {
	if m.Weight > 0 {
		return float64(m.Weight)
	}
	ctx := 0.0
	if m.ContextWindow > 0 {
		ctx = clamp01(math.Log2(float64(m.ContextWindow)/4096) / 5)
	}
	price := clamp01(math.Log10(1+m.BlendedPricePerMTok()) / math.Log10(76))
	reasoning := 0.0
	if m.Capabilities.Reasoning {
		reasoning = 1
	}
	return 1 + 9*clamp01(0.45*ctx+0.4*price+0.15*reasoning)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
