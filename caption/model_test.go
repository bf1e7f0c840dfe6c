package caption_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/sw965/showattend/blas32/tensor/2d"
	"github.com/sw965/showattend/blas32/tensor/3d"
	"github.com/sw965/showattend/blas32/vector"
	"github.com/sw965/showattend/caption"
	"github.com/sw965/showattend/optimizer"
	"gonum.org/v1/gonum/blas/blas32"
)

func newVocab(t *testing.T, m map[string]int) *caption.Vocabulary {
	t.Helper()
	vocab, err := caption.NewVocabulary(m)
	if err != nil {
		t.Fatal(err)
	}
	return vocab
}

func tinyConfig() *caption.Config {
	return &caption.Config{
		Locations:  4,
		FeatureDim: 3,
		EmbedDim:   2,
		HiddenDim:  2,
		TimeSteps:  2,
		CellType:   caption.RNN,
	}
}

// zeroWeightGenerator has every weight at zero, every bias at 0.1 and
// output bias (0.1, 0.2, 0.3, 0.4), so its logits are constant.
func zeroWeightGenerator(t *testing.T, cfg *caption.Config) *caption.CaptionGenerator {
	t.Helper()
	return zeroWeightGeneratorWith(t, cfg, nil)
}

// zeroWeightGeneratorWith is zeroWeightGenerator with mutate applied to the
// parameters before the generator is built.
func zeroWeightGeneratorWith(t *testing.T, cfg *caption.Config, mutate func(*caption.Parameters)) *caption.CaptionGenerator {
	t.Helper()
	vocab := newVocab(t, map[string]int{"<NULL>": 0, "<START>": 1, "a": 2, "dog": 3})
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	p := caption.NewZeroParameters(cfg, vocab.Size())
	for _, b := range []*[]float32{
		&p.InitH[0].Bias.Data, &p.InitH[1].Bias.Data,
		&p.ProjHidden.Bias.Data, &p.CellBias.Data, &p.Decode[0].Bias.Data,
	} {
		for i := range *b {
			(*b)[i] = 0.1
		}
	}
	p.Decode[1].Bias = vector.FromSlice([]float32{0.1, 0.2, 0.3, 0.4})
	if mutate != nil {
		mutate(p)
	}

	gen, err := caption.NewCaptionGeneratorWithParameters(cfg, vocab, p)
	if err != nil {
		t.Fatal(err)
	}
	return gen
}

func mustFromRows(t *testing.T, rows [][]float32) blas32.General {
	t.Helper()
	gen, err := tensor2d.FromRows(rows)
	if err != nil {
		t.Fatal(err)
	}
	return gen
}

// fixedFeatures is an (n, L, D) grid with hand-picked, non-constant values.
func fixedFeatures(t *testing.T, n int, cfg *caption.Config) tensor3d.General {
	t.Helper()
	data := make([]float32, n*cfg.Locations*cfg.FeatureDim)
	for i := range data {
		data[i] = float32(i%5)*0.2 - 0.3
	}
	features, err := tensor3d.New(n, cfg.Locations, cfg.FeatureDim, data)
	if err != nil {
		t.Fatal(err)
	}
	return features
}

func logSumExp64(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs {
		m = max(m, x)
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - m)
	}
	return m + math.Log(sum)
}

func uniformFeatures(n int, cfg *caption.Config, seed uint64) tensor3d.General {
	rng := rand.New(rand.NewPCG(seed, seed))
	return tensor3d.NewUniform(n, cfg.Locations, cfg.FeatureDim, 0.0, 1.0, rng)
}

func TestLossZeroWeights(t *testing.T) {
	cfg := tinyConfig()
	gen := zeroWeightGenerator(t, cfg)
	features := uniformFeatures(2, cfg, 1)
	captions := [][]int{{1, 2, 3}, {1, 3, 0}}

	loss, err := gen.Loss(features, captions, nil)
	if err != nil {
		t.Fatal(err)
	}

	lse := math.Log(math.Exp(0.1) + math.Exp(0.2) + math.Exp(0.3) + math.Exp(0.4))
	want := ((lse - 0.3) + (lse - 0.4) + (lse - 0.4)) / 2.0
	if math.Abs(float64(loss)-want) > 1e-5 {
		t.Errorf("loss = %v, want %v", loss, want)
	}

	again, err := gen.Loss(features, captions, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again != loss {
		t.Errorf("loss is not deterministic: %v vs %v", loss, again)
	}
}

func TestLossUniformAttentionHasNoPenalty(t *testing.T) {
	// T=2, L=4 and zero scores give alpha = 0.25, so every location
	// receives exactly T/L of attention mass.
	plain := zeroWeightGenerator(t, tinyConfig())
	cfg := tinyConfig()
	cfg.AlphaC = 1.0
	penalised := zeroWeightGenerator(t, cfg)

	features := uniformFeatures(2, cfg, 2)
	captions := [][]int{{1, 2, 3}, {1, 3, 0}}
	want, err := plain.Loss(features, captions, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, alphas, err := penalised.LossWithAlphas(features, captions, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math32.Abs(got-want) > 1e-5 {
		t.Errorf("loss with alpha_c = %v, without = %v", got, want)
	}
	if alphas.Batches != 2 || alphas.Rows != 2 || alphas.Cols != 4 {
		t.Fatalf("alphas shape (%d, %d, %d)", alphas.Batches, alphas.Rows, alphas.Cols)
	}
	for i, a := range alphas.Data {
		if math32.Abs(a-0.25) > 1e-6 {
			t.Errorf("alpha[%d] = %v", i, a)
		}
	}
}

func TestSampleZeroWeights(t *testing.T) {
	cfg := tinyConfig()
	gen := zeroWeightGenerator(t, cfg)
	features := uniformFeatures(2, cfg, 3)

	res, err := gen.Sample(features, 3)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range res.Captions {
		if len(c) != 3 {
			t.Fatalf("caption %d has %d words", i, len(c))
		}
		for _, w := range c {
			if w != 3 {
				t.Errorf("caption %d = %v, want [3 3 3]", i, c)
				break
			}
		}
	}
	if got := gen.Vocabulary().Decode(res.Captions[0]); got != "dog dog dog" {
		t.Errorf("decoded %q", got)
	}
}

func TestLossAllPadding(t *testing.T) {
	gen := randomGenerator(t, func(c *caption.Config) {})
	cfg := gen.Config()
	features := uniformFeatures(1, &cfg, 4)
	captions := [][]int{make([]int, cfg.TimeSteps+1)}
	captions[0][0] = 1

	loss, err := gen.Loss(features, captions, nil)
	if err != nil {
		t.Fatal(err)
	}
	if loss != 0 {
		t.Errorf("all-padding loss = %v", loss)
	}
}

func randomGenerator(t *testing.T, mutate func(*caption.Config)) *caption.CaptionGenerator {
	t.Helper()
	cfg := &caption.Config{
		Locations:  6,
		FeatureDim: 5,
		EmbedDim:   4,
		HiddenDim:  3,
		TimeSteps:  4,
		CellType:   caption.RNN,
	}
	mutate(cfg)
	vocab := newVocab(t, map[string]int{"<NULL>": 0, "<START>": 1, "<END>": 2, "a": 3, "dog": 4, "runs": 5})
	gen, err := caption.NewCaptionGenerator(cfg, vocab, rand.New(rand.NewPCG(11, 13)))
	if err != nil {
		t.Fatal(err)
	}
	return gen
}

func checkAlphaSums(t *testing.T, alphas tensor3d.General) {
	t.Helper()
	for n := 0; n < alphas.Batches; n++ {
		for r := 0; r < alphas.Rows; r++ {
			offset := alphas.At(n, r, 0)
			var sum float32
			for _, a := range alphas.Data[offset : offset+alphas.Cols] {
				if a < 0 {
					t.Errorf("negative attention weight %v", a)
				}
				sum += a
			}
			if math32.Abs(sum-1.0) > 1e-5 {
				t.Errorf("alphas[%d, %d] sums to %v", n, r, sum)
			}
		}
	}
}

func TestSampleShapes(t *testing.T) {
	for _, ct := range []caption.CellType{caption.RNN, caption.LSTM} {
		gen := randomGenerator(t, func(c *caption.Config) {
			c.CellType = ct
			c.Prev2Out = true
			c.Ctx2Out = true
			c.Selector = true
		})
		cfg := gen.Config()
		features := uniformFeatures(3, &cfg, 5)

		for _, maxLen := range []int{1, 7} {
			res, err := gen.Sample(features, maxLen)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Captions) != 3 {
				t.Fatalf("%d captions", len(res.Captions))
			}
			for _, c := range res.Captions {
				if len(c) != maxLen {
					t.Errorf("%s: caption length %d, want %d", ct, len(c), maxLen)
				}
				for _, w := range c {
					if w < 0 || w >= gen.Vocabulary().Size() {
						t.Errorf("word index %d out of range", w)
					}
				}
			}
			if res.Alphas.Batches != 3 || res.Alphas.Rows != maxLen || res.Alphas.Cols != cfg.Locations {
				t.Errorf("alphas shape (%d, %d, %d)", res.Alphas.Batches, res.Alphas.Rows, res.Alphas.Cols)
			}
			checkAlphaSums(t, res.Alphas)

			again, err := gen.Sample(features, maxLen)
			if err != nil {
				t.Fatal(err)
			}
			for i := range again.Captions {
				for j := range again.Captions[i] {
					if again.Captions[i][j] != res.Captions[i][j] {
						t.Fatalf("sampling is not deterministic")
					}
				}
			}
		}
	}
}

func TestSampleErrors(t *testing.T) {
	gen := randomGenerator(t, func(c *caption.Config) {})
	cfg := gen.Config()
	features := uniformFeatures(1, &cfg, 6)
	if _, err := gen.Sample(features, 0); err == nil {
		t.Errorf("max_len 0 accepted")
	}

	wrong := uniformFeatures(1, &caption.Config{Locations: cfg.Locations + 1, FeatureDim: cfg.FeatureDim}, 6)
	if _, err := gen.Sample(wrong, 3); err == nil {
		t.Errorf("features with the wrong location count accepted")
	}

	vocab := newVocab(t, map[string]int{"<NULL>": 0, "a": 1})
	noStart, err := caption.NewCaptionGenerator(&cfg, vocab, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := noStart.Sample(features, 3); err == nil {
		t.Errorf("vocabulary without <START> accepted")
	}
}

func TestLossDropout(t *testing.T) {
	gen := randomGenerator(t, func(c *caption.Config) {
		c.CellType = caption.LSTM
		c.Dropout = true
		c.KeepProb = 0.5
		c.AlphaC = 1.0
		c.Selector = true
	})
	cfg := gen.Config()
	features := uniformFeatures(2, &cfg, 7)
	captions := [][]int{{1, 3, 4, 5, 2}, {1, 4, 5, 2, 0}}

	if _, err := gen.Loss(features, captions, nil); err == nil {
		t.Errorf("dropout without rng accepted")
	}

	l1, alphas, err := gen.LossWithAlphas(features, captions, rand.New(rand.NewPCG(9, 9)))
	if err != nil {
		t.Fatal(err)
	}
	l2, err := gen.Loss(features, captions, rand.New(rand.NewPCG(9, 9)))
	if err != nil {
		t.Fatal(err)
	}
	if l1 != l2 {
		t.Errorf("same dropout seed gave %v and %v", l1, l2)
	}
	if math32.IsNaN(l1) || math32.IsInf(l1, 0) || l1 <= 0 {
		t.Errorf("loss = %v", l1)
	}
	checkAlphaSums(t, alphas)
}

func TestLossCaptionErrors(t *testing.T) {
	gen := randomGenerator(t, func(c *caption.Config) {})
	cfg := gen.Config()
	features := uniformFeatures(2, &cfg, 8)

	cases := [][][]int{
		{{1, 3, 4, 5, 2}},
		{{1, 3, 4, 5, 2}, {1, 3, 4}},
		{{1, 3, 4, 5, 2}, {1, 3, 4, 5, 99}},
	}
	for i, captions := range cases {
		if _, err := gen.Loss(features, captions, nil); err == nil {
			t.Errorf("case %d: invalid captions accepted", i)
		}
	}
}

func TestNewCaptionGeneratorErrors(t *testing.T) {
	vocab := newVocab(t, map[string]int{"<NULL>": 0, "<START>": 1})
	cfg := tinyConfig()
	cfg.CellType = "gru"
	if _, err := caption.NewCaptionGenerator(cfg, vocab, rand.New(rand.NewPCG(1, 1))); err == nil {
		t.Errorf("cell_type gru accepted")
	}

	cfg = tinyConfig()
	if _, err := caption.NewCaptionGenerator(cfg, vocab, nil); err == nil {
		t.Errorf("nil rng accepted")
	}

	lstm := tinyConfig()
	lstm.CellType = caption.LSTM
	if err := lstm.Validate(); err != nil {
		t.Fatal(err)
	}
	p := caption.NewZeroParameters(lstm, vocab.Size())
	if _, err := caption.NewCaptionGeneratorWithParameters(tinyConfig(), vocab, p); err == nil {
		t.Errorf("LSTM parameters accepted for a plain cell")
	}
}

func TestWithSlabs(t *testing.T) {
	gen := randomGenerator(t, func(c *caption.Config) {})
	p := gen.Parameters()
	slabs := p.Slabs().Clone()
	slabs[0][0] = 42.0

	q, err := p.WithSlabs(slabs)
	if err != nil {
		t.Fatal(err)
	}
	if q.Embed.Data[0] != 42.0 {
		t.Errorf("WithSlabs did not repoint the embedding")
	}
	if p.Embed.Data[0] == 42.0 {
		t.Errorf("WithSlabs modified the receiver")
	}

	if _, err := p.WithSlabs(slabs[1:]); err == nil {
		t.Errorf("short slabs accepted")
	}
	slabs[0] = slabs[0][1:]
	if _, err := p.WithSlabs(slabs); err == nil {
		t.Errorf("short slab accepted")
	}
}

func TestTrainBySPSA(t *testing.T) {
	gen := randomGenerator(t, func(c *caption.Config) {
		c.CellType = caption.LSTM
		c.Selector = true
		c.Ctx2Out = true
		c.Dropout = true
		c.KeepProb = 0.8
	})
	cfg := gen.Config()
	features := uniformFeatures(2, &cfg, 12)
	captions := [][]int{{1, 3, 4, 5, 2}, {1, 4, 5, 2, 0}}

	params := gen.Parameters().Slabs()
	before := params.Clone()
	rngs := []*rand.Rand{rand.New(rand.NewPCG(1, 2)), rand.New(rand.NewPCG(3, 4))}

	grads, err := optimizer.EstimateGradsBySPSA(params, 0.01, gen.LossFunc(features, captions, []uint64{31, 32}), rngs)
	if err != nil {
		t.Fatal(err)
	}
	if !grads.SameShape(params) {
		t.Fatalf("gradient shape does not match the parameters")
	}
	for _, g := range grads {
		for _, e := range g {
			if math32.IsNaN(e) || math32.IsInf(e, 0) {
				t.Fatalf("gradient element %v", e)
			}
		}
	}

	adam := optimizer.NewAdam(params)
	if err := adam.Update(params, grads); err != nil {
		t.Fatal(err)
	}

	changed := false
	for i := range params {
		for j := range params[i] {
			if params[i][j] != before[i][j] {
				changed = true
			}
		}
	}
	if !changed {
		t.Errorf("Adam step did not move the generator's parameters")
	}
	if _, err := gen.Loss(features, captions, rand.New(rand.NewPCG(1, 1))); err != nil {
		t.Fatal(err)
	}
}

func TestLossDecoderBranches(t *testing.T) {
	cfg := tinyConfig()
	cfg.Prev2Out = true
	cfg.Ctx2Out = true
	cfg.Selector = true

	embed := [][]float64{{0, 0}, {0.5, -0.5}, {1.0, 0.2}, {-0.3, 0.8}}
	ctxToOut := [][]float64{{1, 0}, {0, 1}, {0.5, -0.5}}
	w2 := [][]float64{{1, 0, -1, 0.5}, {0, 1, 0.5, -1}}
	b2 := []float64{0.1, 0.2, 0.3, 0.4}
	const selectorBias = 0.4

	toRows := func(m [][]float64) [][]float32 {
		rows := make([][]float32, len(m))
		for i, r := range m {
			rows[i] = make([]float32, len(r))
			for j, e := range r {
				rows[i][j] = float32(e)
			}
		}
		return rows
	}
	gen := zeroWeightGeneratorWith(t, cfg, func(p *caption.Parameters) {
		p.Embed = mustFromRows(t, toRows(embed))
		p.CtxToOut = mustFromRows(t, toRows(ctxToOut))
		p.Decode[1].Weight = mustFromRows(t, toRows(w2))
		p.Selector.Bias = vector.FromSlice([]float32{selectorBias})
	})

	features := fixedFeatures(t, 2, cfg)
	captions := [][]int{{1, 2, 3}, {1, 3, 0}}
	loss, err := gen.Loss(features, captions, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Zero attention scores give the mean feature as context, the selector
	// scales it by sigmoid(0.4), and the decoder sees
	// tanh(0.1 + embed[word] + context·ctxToOut).
	gate := 1.0 / (1.0 + math.Exp(-selectorBias))
	var want float64
	for n, c := range captions {
		ctx := make([]float64, cfg.FeatureDim)
		for l := 0; l < cfg.Locations; l++ {
			for d := range ctx {
				ctx[d] += float64(features.Data[features.At(n, l, d)]) / float64(cfg.Locations)
			}
		}
		for d := range ctx {
			ctx[d] *= gate
		}
		for step := 0; step < cfg.TimeSteps; step++ {
			in, out := c[step], c[step+1]
			if out == 0 {
				continue
			}
			v := make([]float64, cfg.EmbedDim)
			for k := range v {
				u := 0.1 + embed[in][k]
				for d := range ctx {
					u += ctx[d] * ctxToOut[d][k]
				}
				v[k] = math.Tanh(u)
			}
			logits := make([]float64, len(b2))
			for j := range logits {
				logits[j] = b2[j]
				for k := range v {
					logits[j] += v[k] * w2[k][j]
				}
			}
			want += logSumExp64(logits) - logits[out]
		}
	}
	want /= float64(len(captions))

	if math.Abs(float64(loss)-want) > 1e-4 {
		t.Errorf("loss = %v, want %v", loss, want)
	}
}

func TestLossPenaltyNonUniformAttention(t *testing.T) {
	cfg := tinyConfig()
	cfg.AttentionActivation = caption.Tanh
	cfg.AlphaC = 0.5

	// Scores are tanh(features[n, l, 0] + 0.1), independent of the hidden
	// state, so every step attends with the same weights.
	gen := zeroWeightGeneratorWith(t, cfg, func(p *caption.Parameters) {
		p.ProjFeature = mustFromRows(t, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
		p.Attention = vector.FromSlice([]float32{1, 0, 0})
	})

	features := fixedFeatures(t, 2, cfg)
	captions := [][]int{{1, 2, 3}, {1, 3, 0}}
	loss, alphas, err := gen.LossWithAlphas(features, captions, nil)
	if err != nil {
		t.Fatal(err)
	}

	lse := math.Log(math.Exp(0.1) + math.Exp(0.2) + math.Exp(0.3) + math.Exp(0.4))
	crossEntropy := (lse - 0.3) + (lse - 0.4) + (lse - 0.4)

	steps, locs := float64(cfg.TimeSteps), float64(cfg.Locations)
	var penalty float64
	for n := 0; n < 2; n++ {
		scores := make([]float64, cfg.Locations)
		for l := range scores {
			scores[l] = math.Tanh(float64(features.Data[features.At(n, l, 0)]) + 0.1)
		}
		z := logSumExp64(scores)
		for l, s := range scores {
			alpha := math.Exp(s - z)
			for step := 0; step < cfg.TimeSteps; step++ {
				got := float64(alphas.Data[alphas.At(n, step, l)])
				if math.Abs(got-alpha) > 1e-5 {
					t.Errorf("alpha[%d, %d, %d] = %v, want %v", n, step, l, got, alpha)
				}
			}
			d := steps/locs - steps*alpha
			penalty += d * d
		}
	}
	penalty *= float64(cfg.AlphaC)
	if penalty < 1e-3 {
		t.Fatalf("attention is too close to uniform for the penalty to matter: %v", penalty)
	}

	want := (crossEntropy + penalty) / 2.0
	if math.Abs(float64(loss)-want) > 1e-4 {
		t.Errorf("loss = %v, want %v (penalty %v)", loss, want, penalty)
	}
}

func TestLossFuncSharesDropoutMasks(t *testing.T) {
	gen := randomGenerator(t, func(c *caption.Config) {
		c.Dropout = true
		c.KeepProb = 0.5
	})
	cfg := gen.Config()
	features := uniformFeatures(2, &cfg, 14)
	captions := [][]int{{1, 3, 4, 5, 2}, {1, 4, 5, 2, 0}}
	params := gen.Parameters().Slabs()

	lossFunc := gen.LossFunc(features, captions, []uint64{7, 8})
	first, err := lossFunc(params, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := lossFunc(params, 0)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("repeated evaluation with one seed gave %v and %v", first, second)
	}

	reseeded, err := gen.LossFunc(features, captions, []uint64{9, 8})(params, 0)
	if err != nil {
		t.Fatal(err)
	}
	if reseeded == first {
		t.Errorf("a new seed did not change the dropout masks")
	}

	if _, err := lossFunc(params, 2); err == nil {
		t.Errorf("worker without a seed ran with dropout enabled")
	}
}

func TestLossRejectsPaddedFeatures(t *testing.T) {
	gen := randomGenerator(t, func(c *caption.Config) {})
	cfg := gen.Config()
	rowStride := cfg.FeatureDim + 1
	padded := tensor3d.General{
		Batches:     1,
		Rows:        cfg.Locations,
		Cols:        cfg.FeatureDim,
		RowStride:   rowStride,
		BatchStride: cfg.Locations * rowStride,
		Data:        make([]float32, cfg.Locations*rowStride),
	}
	captions := [][]int{make([]int, cfg.TimeSteps+1)}

	if _, err := gen.Loss(padded, captions, nil); err == nil {
		t.Errorf("padded features accepted by Loss")
	}
	if _, err := gen.Sample(padded, 2); err == nil {
		t.Errorf("padded features accepted by Sample")
	}
}
