package randx

import (
	"math/rand/v2"

	"github.com/sw965/omw/mathx/randx"
)

func Rademacher(rng *rand.Rand) float32 {
	if randx.Bool(rng) {
		return 1.0
	}
	return -1.0
}

func Uniform(min, max float32, rng *rand.Rand) float32 {
	return min + (max-min)*rng.Float32()
}

func Normal(std float64, rng *rand.Rand) float32 {
	return float32(rng.NormFloat64() * std)
}

// KeepMask returns an inverted dropout mask of length n. Kept positions hold
// 1/keepProb and dropped positions hold 0, so the expected value of x*mask is x.
func KeepMask(n int, keepProb float32, rng *rand.Rand) []float32 {
	mask := make([]float32, n)
	scale := 1.0 / keepProb
	for i := range mask {
		if rng.Float32() < keepProb {
			mask[i] = scale
		}
	}
	return mask
}
