package forecast

import "math"

// minBlendWeight keeps every fitted forecaster contributing to the blend even
// after a bad evaluation window.
const minBlendWeight = 0.2

// BlendWeights maps each MAPE to an inverse-error weight, then floors every
// weight at minBlendWeight and renormalizes the remaining mass across the
// others proportionally. Weights always sum to 1.
func BlendWeights(mapes map[Kind]float64) map[Kind]float64 {
	inv := make(map[Kind]float64, len(mapes))
	var total float64
	for k, mape := range mapes {
		if mape < 1e-8 {
			mape = 1e-8
		}
		inv[k] = 1 / mape
		total += inv[k]
	}
	weights := make(map[Kind]float64, len(inv))
	if total == 0 || len(inv) == 0 {
		for k := range inv {
			weights[k] = 1 / float64(len(inv))
		}
		return weights
	}
	for k, v := range inv {
		weights[k] = v / total
	}
	if len(weights) == 1 {
		for k := range weights {
			weights[k] = 1
		}
		return weights
	}

	// Pin weights below the floor and redistribute the remaining mass across
	// the free ones in proportion to their inverse error. Once pinned, a
	// weight stays at the floor; redistribution can push further weights
	// under, so repeat until no new weight falls below.
	floored := make(map[Kind]bool, len(weights))
	for {
		newly := false
		for k, w := range weights {
			if !floored[k] && w < minBlendWeight {
				floored[k] = true
				newly = true
			}
		}
		if !newly {
			break
		}
		remaining := 1 - minBlendWeight*float64(len(floored))
		var freeRaw float64
		for k := range weights {
			if !floored[k] {
				freeRaw += inv[k]
			}
		}
		for k := range weights {
			if floored[k] {
				weights[k] = minBlendWeight
			} else if freeRaw > 0 {
				weights[k] = remaining * inv[k] / freeRaw
			}
		}
	}

	// Guard against drift from repeated redistribution.
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum > 0 && math.Abs(sum-1) > 1e-9 {
		for k := range weights {
			weights[k] /= sum
		}
	}
	return weights
}
