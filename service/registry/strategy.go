package registry

import "math/rand"

// Strategy picks one model from a pool of currently available candidates.
// Callers guarantee candidates is non-empty.
type Strategy interface {
	Select(candidates []*Model, rng *rand.Rand) *Model
}

// StrategyName identifies one of the four built-in strategies.
type StrategyName string

const (
	StrategyAvailability StrategyName = "availability"
	StrategyLoad         StrategyName = "load"
	StrategyCost         StrategyName = "cost"
	StrategyRandom       StrategyName = "random"
)

// NewStrategy resolves a name to a Strategy, defaulting to availability for
// an unrecognised name.
func NewStrategy(name StrategyName) Strategy {
	switch name {
	case StrategyLoad:
		return loadStrategy{}
	case StrategyCost:
		return costStrategy{}
	case StrategyRandom:
		return randomStrategy{}
	default:
		return availabilityStrategy{}
	}
}

// availabilityStrategy scores candidates by weight*success_rate -
// avg_response_time/10 and picks uniformly at random among the top
// min(3, n) scorers, to spread load across near-equally good models.
type availabilityStrategy struct{}

func (availabilityStrategy) Select(candidates []*Model, rng *rand.Rand) *Model {
	ranked := append([]*Model(nil), candidates...)
	sortByScoreDesc(ranked)
	top := ranked
	if len(top) > 3 {
		top = top[:3]
	}
	return top[rng.Intn(len(top))]
}

func sortByScoreDesc(models []*Model) {
	for i := 1; i < len(models); i++ {
		j := i
		for j > 0 && models[j-1].score() < models[j].score() {
			models[j-1], models[j] = models[j], models[j-1]
			j--
		}
	}
}

// loadStrategy picks the candidate with the fewest completed requests.
type loadStrategy struct{}

func (loadStrategy) Select(candidates []*Model, _ *rand.Rand) *Model {
	best := candidates[0]
	for _, m := range candidates[1:] {
		if m.usageCount < best.usageCount {
			best = m
		}
	}
	return best
}

// costStrategy picks the cheapest candidate per token, ties broken toward
// the higher weight.
type costStrategy struct{}

func (costStrategy) Select(candidates []*Model, _ *rand.Rand) *Model {
	best := candidates[0]
	for _, m := range candidates[1:] {
		switch {
		case m.CostPerToken < best.CostPerToken:
			best = m
		case m.CostPerToken == best.CostPerToken && m.Weight > best.Weight:
			best = m
		}
	}
	return best
}

// randomStrategy picks uniformly at random among all candidates.
type randomStrategy struct{}

func (randomStrategy) Select(candidates []*Model, rng *rand.Rand) *Model {
	return candidates[rng.Intn(len(candidates))]
}
