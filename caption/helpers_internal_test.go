package caption

import (
	"math/rand/v2"
	"testing"

	"github.com/sw965/showattend/blas32/tensor/3d"
)

func newSmallGenerator(t *testing.T, mutate func(*Config)) *CaptionGenerator {
	t.Helper()
	cfg := &Config{
		Locations:           5,
		FeatureDim:          4,
		EmbedDim:            3,
		HiddenDim:           3,
		TimeSteps:           3,
		CellType:            RNN,
		AttentionActivation: Tanh,
	}
	if mutate != nil {
		mutate(cfg)
	}
	vocab, err := NewVocabulary(map[string]int{NullToken: 0, StartToken: 1, EndToken: 2, "a": 3, "b": 4})
	if err != nil {
		t.Fatal(err)
	}
	gen, err := NewCaptionGenerator(cfg, vocab, rand.New(rand.NewPCG(1, 2)))
	if err != nil {
		t.Fatal(err)
	}
	return gen
}

func newSmallFeatures(n int, cfg Config, seed uint64) tensor3d.General {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	return tensor3d.NewUniform(n, cfg.Locations, cfg.FeatureDim, -1.0, 1.0, rng)
}
