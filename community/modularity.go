package community

import "math/rand/v2"

// modularitySplit applies greedy modularity optimisation (a Louvain-style
// local-move heuristic) to split comp into two or more sub-communities.
// If the split does not improve on leaving comp whole, [][]int{comp} is
// returned unchanged.
//
// Gain ties are broken by a seeded pseudo-random priority per candidate
// community label rather than by Go's randomized map iteration order,
// so two runs with the same rng produce the same split regardless of
// map ordering.
func modularitySplit(comp []int, adj [][]edge, totalWeight float64, rng *rand.Rand) [][]int {
	n := len(comp)
	if n < minSplitSize {
		return [][]int{comp}
	}

	localIdx := make(map[int]int, n)
	for i, node := range comp {
		localIdx[node] = i
	}

	label := make([]int, n)
	for i := range label {
		label[i] = i
	}

	strength := make([]float64, n)
	for i, node := range comp {
		for _, e := range adj[node] {
			if _, ok := localIdx[e.to]; ok {
				strength[i] += e.weight
			}
		}
	}

	m2 := 2.0 * totalWeight
	if m2 == 0 {
		return [][]int{comp}
	}

	labelStrength := make(map[int]float64, n)
	for i := range comp {
		labelStrength[label[i]] += strength[i]
	}

	// Deterministic per-label tiebreak priority, independent of map
	// iteration order: derived once per label from the run's rng.
	priority := make(map[int]uint64, n)
	for i := range comp {
		priority[label[i]] = rng.Uint64()
	}

	const maxPasses = 20
	for pass := 0; pass < maxPasses; pass++ {
		moved := false
		for i, node := range comp {
			commWeights := make(map[int]float64)
			for _, e := range adj[node] {
				li, ok := localIdx[e.to]
				if !ok {
					continue
				}
				commWeights[label[li]] += e.weight
			}

			current := label[i]
			kiIn := commWeights[current]
			ki := strength[i]
			sigmaCurrent := labelStrength[current]
			removeDelta := kiIn/m2 - (sigmaCurrent*ki)/(m2*m2)

			best := current
			bestGain := 0.0
			bestPriority := priority[current]
			for c, wic := range commWeights {
				if c == current {
					continue
				}
				sigmaC := labelStrength[c]
				gain := (wic/m2 - (sigmaC*ki)/(m2*m2)) - removeDelta
				if gain > bestGain || (gain == bestGain && gain > 0 && priority[c] > bestPriority) {
					bestGain = gain
					best = c
					bestPriority = priority[c]
				}
			}

			if best != current {
				labelStrength[current] -= ki
				labelStrength[best] += ki
				label[i] = best
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	groups := make(map[int][]int)
	for i, node := range comp {
		groups[label[i]] = append(groups[label[i]], node)
	}
	if len(groups) <= 1 {
		return [][]int{comp}
	}

	// Deterministic output order: sort group keys by their priority
	// value rather than Go's randomized map iteration.
	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sortByPriority(keys, priority)

	result := make([][]int, 0, len(groups))
	for _, k := range keys {
		result = append(result, groups[k])
	}
	return result
}

func sortByPriority(keys []int, priority map[int]uint64) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && priority[keys[j-1]] > priority[keys[j]]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
}
