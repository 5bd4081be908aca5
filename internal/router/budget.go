package router

import "fmt"

// BudgetConfig tunes output allowances.
type BudgetConfig struct {
	// MinViableOutput is the smallest output allowance worth dispatching.
	MinViableOutput int `yaml:"min_viable_output"`
	// ModeTargets is the base output target per optimization mode.
	ModeTargets map[OptimizationMode]int `yaml:"mode_targets"`
	// TypeMultipliers scale the mode target per request type.
	TypeMultipliers map[RequestType]float64 `yaml:"type_multipliers"`
	// AuxiliaryShare is the fraction of leftover headroom (after output)
	// granted to auxiliary content such as retrieved documents.
	AuxiliaryShare map[OptimizationMode]float64 `yaml:"auxiliary_share"`
}

func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MinViableOutput: 256,
		ModeTargets: map[OptimizationMode]int{
			ModeCheap:    1024,
			ModeBalanced: 2048,
			ModePowerful: 4096,
		},
		TypeMultipliers: map[RequestType]float64{
			TypeSimple:    0.5,
			TypeCreative:  1.25,
			TypeToolHeavy: 1.0,
			TypeComplex:   1.5,
			TypeReasoning: 2.0,
		},
		AuxiliaryShare: map[OptimizationMode]float64{
			ModeCheap:    0.25,
			ModeBalanced: 0.5,
			ModePowerful: 0.75,
		},
	}
}

// Budgeter sizes the output allowance for a candidate.
type Budgeter struct {
	cfg BudgetConfig
}

func NewBudgeter(cfg BudgetConfig) *Budgeter {
	def := DefaultBudgetConfig()
	if cfg.MinViableOutput <= 0 {
		cfg.MinViableOutput = def.MinViableOutput
	}
	cfg.ModeTargets = mergeDefaults(cfg.ModeTargets, def.ModeTargets)
	cfg.TypeMultipliers = mergeDefaults(cfg.TypeMultipliers, def.TypeMultipliers)
	cfg.AuxiliaryShare = mergeDefaults(cfg.AuxiliaryShare, def.AuxiliaryShare)
	return &Budgeter{cfg: cfg}
}

func (b *Budgeter) MinViableOutput() int { return b.cfg.MinViableOutput }

// Budget returns the output allowance for c. It fails with
// ErrInsufficientHeadroom when the window cannot hold the input plus the
// minimum viable output.
func (b *Budgeter) Budget(p RequestProfile, c Candidate, mode OptimizationMode) (Budget, error) {
	model := c.Model()
	headroom := model.ContextWindow - p.EstimatedInputTokens
	if headroom < b.cfg.MinViableOutput {
		return Budget{}, fmt.Errorf("%s: %d tokens of headroom, need %d: %w",
			c.Key(), headroom, b.cfg.MinViableOutput, ErrInsufficientHeadroom)
	}

	mult, ok := b.cfg.TypeMultipliers[p.Type]
	if !ok {
		mult = 1
	}
	target := int(float64(b.cfg.ModeTargets[mode]) * mult)
	if target < b.cfg.MinViableOutput {
		target = b.cfg.MinViableOutput
	}

	// When the target would eat more than half the headroom, settle for
	// half, but never below the minimum viable output.
	if half := headroom / 2; target > half {
		target = max(half, b.cfg.MinViableOutput)
	}
	if model.MaxOutputTokens > 0 && target > model.MaxOutputTokens {
		target = model.MaxOutputTokens
	}
	target = min(target, headroom)
	if target <= 0 {
		return Budget{}, fmt.Errorf("%s: %w", c.Key(), ErrInsufficientHeadroom)
	}

	aux := int(float64(headroom-target) * b.cfg.AuxiliaryShare[mode])
	return Budget{MaxOutputTokens: target, AuxiliaryContentBudget: max(aux, 0)}, nil
}

func mergeDefaults[K comparable, V any](m, def map[K]V) map[K]V {
	out := make(map[K]V, len(def))
	for k, v := range def {
		out[k] = v
	}
	for k, v := range m {
		out[k] = v
	}
	return out
}
