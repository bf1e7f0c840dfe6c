package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"

	"github.com/sw965/omw/mathx/randx"
	"github.com/sw965/showattend/blas32/tensor/3d"
	"github.com/sw965/showattend/caption"
	"github.com/sw965/showattend/optimizer"
)

func main() {
	configPath := flag.String("config", "", "JSON model config (defaults are used when empty)")
	vocabPath := flag.String("vocab", "", "JSON word-to-index vocabulary (a toy vocabulary is used when empty)")
	batch := flag.Int("n", 2, "number of synthetic feature grids")
	maxLen := flag.Int("max-len", 20, "number of words to sample")
	seed := flag.Uint64("seed", 0, "rng seed, 0 draws one from the global source")
	steps := flag.Int("spsa-steps", 0, "SPSA/Adam steps fitted to random captions before sampling")
	workers := flag.Int("spsa-workers", 2, "perturbations averaged per SPSA step")
	optName := flag.String("optimizer", "adam", "update rule for -spsa-steps: adam or momentum")
	flag.Parse()

	cfg := caption.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = caption.LoadConfig(*configPath)
		if err != nil {
			log.Fatal(err)
		}
	}

	var vocab *caption.Vocabulary
	var err error
	if *vocabPath != "" {
		vocab, err = caption.LoadVocabulary(*vocabPath)
	} else {
		vocab, err = caption.NewVocabulary(map[string]int{
			caption.NullToken:  0,
			caption.StartToken: 1,
			caption.EndToken:   2,
			"a":                3,
			"dog":              4,
			"on":               5,
			"the":              6,
			"grass":            7,
		})
	}
	if err != nil {
		log.Fatal(err)
	}

	var rng *rand.Rand
	if *seed == 0 {
		rng = randx.NewPCGFromGlobalSeed()
	} else {
		rng = rand.New(rand.NewPCG(*seed, *seed))
	}

	log.Printf("building %s generator: L=%d D=%d M=%d H=%d V=%d",
		cfg.CellType, cfg.Locations, cfg.FeatureDim, cfg.EmbedDim, cfg.HiddenDim, vocab.Size())
	gen, err := caption.NewCaptionGenerator(cfg, vocab, rng)
	if err != nil {
		log.Fatal(err)
	}

	features := tensor3d.NewUniform(*batch, cfg.Locations, cfg.FeatureDim, 0.0, 1.0, rng)
	if *steps > 0 {
		if err := fit(gen, features, *steps, *workers, *optName, rng); err != nil {
			log.Fatal(err)
		}
	}

	result, err := gen.Sample(features, *maxLen)
	if err != nil {
		log.Fatal(err)
	}

	for i, c := range vocab.DecodeBatch(result.Captions) {
		log.Printf("caption %d: %q (indices %v)", i, c, result.Captions[i])
	}
}

// randomCaptions draws <START> followed by T non-special words.
func randomCaptions(vocab *caption.Vocabulary, n, t int, rng *rand.Rand) [][]int {
	start, _ := vocab.Start()
	special := map[int]bool{vocab.Null(): true, start: true}
	words := make([]int, 0, vocab.Size())
	for i := 0; i < vocab.Size(); i++ {
		if !special[i] {
			words = append(words, i)
		}
	}

	captions := make([][]int, n)
	for i := range captions {
		c := make([]int, t+1)
		c[0] = start
		for j := 1; j <= t; j++ {
			c[j] = words[rng.IntN(len(words))]
		}
		captions[i] = c
	}
	return captions
}

type updater interface {
	Update(params, grads optimizer.Slabs) error
}

func newUpdater(name string, params optimizer.Slabs) (updater, error) {
	switch name {
	case "adam":
		return optimizer.NewAdam(params), nil
	case "momentum":
		return optimizer.NewMomentum(params, 0.01, 0.9), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q, want adam or momentum", name)
}

func fit(gen *caption.CaptionGenerator, features tensor3d.General, steps, workers int, optName string, rng *rand.Rand) error {
	vocab := gen.Vocabulary()
	if _, ok := vocab.Start(); !ok {
		return fmt.Errorf("vocabulary has no %s token", caption.StartToken)
	}
	cfg := gen.Config()
	captions := randomCaptions(vocab, features.Batches, cfg.TimeSteps, rng)

	rngs := make([]*rand.Rand, workers)
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))
	}

	params := gen.Parameters().Slabs()
	opt, err := newUpdater(optName, params)
	if err != nil {
		return err
	}

	seeds := make([]uint64, workers)
	for i := 1; i <= steps; i++ {
		// new dropout masks per step, shared by the +c and -c evaluations
		for w := range seeds {
			seeds[w] = rng.Uint64()
		}
		lossFunc := gen.LossFunc(features, captions, seeds)

		grads, err := optimizer.EstimateGradsBySPSA(params, 0.01, lossFunc, rngs)
		if err != nil {
			return err
		}
		if err := opt.Update(params, grads); err != nil {
			return err
		}
		loss, err := gen.Loss(features, captions, rng)
		if err != nil {
			return err
		}
		log.Printf("step %d (%s): loss %.4f", i, optName, loss)
	}
	return nil
}
