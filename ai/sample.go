package ai

import (
	"math"
	"math/rand"
)

// pick returns an index with probability proportional to
// weights[i]^(1/temperature). Low temperatures favour the heaviest weight,
// high ones flatten the distribution.
func pick(rng *rand.Rand, weights []float64, temperature float64) int {
	if len(weights) == 0 {
		return -1
	}
	scaled := make([]float64, len(weights))
	total := 0.0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		scaled[i] = math.Pow(w, 1/temperature)
		total += scaled[i]
	}
	if total == 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		return argmax(weights)
	}
	r := rng.Float64() * total
	for i, w := range scaled {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

func argmax(weights []float64) int {
	best := 0
	for i, w := range weights {
		if w > weights[best] {
			best = i
		}
	}
	return best
}

// temper sharpens or flattens a probability in [0, 1] the same way pick does
// for a two way choice.
func temper(p, temperature float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}
	on := math.Pow(p, 1/temperature)
	off := math.Pow(1-p, 1/temperature)
	return on / (on + off)
}
