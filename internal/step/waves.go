package step

import (
	"errors"
	"sort"
)

// ErrMalformedPlan marks plans with broken ordinals or dependency
// references. It is a planning error, never an execution error.
var ErrMalformedPlan = errors.New("malformed plan")

// Wave is an unordered set of step ordinals safe to run concurrently.
// Ordinals are kept sorted for deterministic logging only; execution
// order within a wave is not guaranteed.
type Wave []int

// ApplyDefaultDependencies fills in the conservative sequential default:
// when no step in the plan declares any dependency, each step depends on
// its immediate predecessor. When at least one step declares
// dependencies the planner is trusted and undeclared steps stay
// independent.
func ApplyDefaultDependencies(steps []Step) {
	for i := range steps {
		if len(steps[i].DependsOn) > 0 {
			return
		}
	}
	for i := 1; i < len(steps); i++ {
		steps[i].DependsOn = []int{steps[i].Ordinal - 1}
	}
}

// BuildWaves partitions the plan into ordered waves.
//
// Each step's wave index is 1 + max(wave of its dependencies), or 0
// with no dependencies. Dependencies only reference earlier ordinals,
// so a single forward pass suffices. An empty plan yields zero waves.
func BuildWaves(steps []Step) ([]Wave, error) {
	if err := ValidatePlan(steps); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, nil
	}

	waveOf := make([]int, len(steps)+1) // 1-based by ordinal
	maxWave := 0
	for i := range steps {
		st := &steps[i]
		w := 0
		for _, d := range st.DependsOn {
			if dw := waveOf[d] + 1; dw > w {
				w = dw
			}
		}
		waveOf[st.Ordinal] = w
		if w > maxWave {
			maxWave = w
		}
	}

	waves := make([]Wave, maxWave+1)
	for i := range steps {
		ord := steps[i].Ordinal
		w := waveOf[ord]
		waves[w] = append(waves[w], ord)
	}
	for _, w := range waves {
		sort.Ints(w)
	}
	return waves, nil
}
