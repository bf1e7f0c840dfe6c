package caption

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/showattend/blas32/tensor/2d"
	"github.com/sw965/showattend/blas32/tensor/3d"
	"github.com/sw965/showattend/mathx"
	"github.com/sw965/showattend/optimizer"
	"gonum.org/v1/gonum/blas/blas32"
)

// CaptionGenerator is a soft-attention caption decoder over an (N, L, D)
// feature grid. It owns its Parameters; Loss and Sample only read them.
type CaptionGenerator struct {
	cfg    Config
	vocab  *Vocabulary
	params *Parameters
	cell   Cell
}

// NewCaptionGenerator validates cfg and builds a generator with freshly
// initialised parameters drawn from rng.
func NewCaptionGenerator(cfg *Config, vocab *Vocabulary, rng *rand.Rand) (*CaptionGenerator, error) {
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if vocab == nil {
		return nil, fmt.Errorf("caption: nil vocabulary")
	}
	if rng == nil {
		return nil, fmt.Errorf("caption: nil rng")
	}
	return newGenerator(c, vocab, NewParameters(&c, vocab.Size(), rng))
}

// NewCaptionGeneratorWithParameters builds a generator around an existing
// bundle, which must have the shapes NewZeroParameters gives for cfg.
func NewCaptionGeneratorWithParameters(cfg *Config, vocab *Vocabulary, params *Parameters) (*CaptionGenerator, error) {
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if vocab == nil {
		return nil, fmt.Errorf("caption: nil vocabulary")
	}
	want := NewZeroParameters(&c, vocab.Size()).Slabs()
	if !params.Slabs().SameShape(want) {
		return nil, fmt.Errorf("caption: parameters do not match the configuration")
	}
	return newGenerator(c, vocab, params)
}

func newGenerator(cfg Config, vocab *Vocabulary, params *Parameters) (*CaptionGenerator, error) {
	cell, err := newCell(cfg.CellType)
	if err != nil {
		return nil, err
	}
	return &CaptionGenerator{
		cfg:    cfg,
		vocab:  vocab,
		params: params,
		cell:   cell,
	}, nil
}

func (g *CaptionGenerator) Config() Config {
	return g.cfg
}

func (g *CaptionGenerator) Vocabulary() *Vocabulary {
	return g.vocab
}

// Parameters returns the live bundle. An optimizer may update it between
// passes.
func (g *CaptionGenerator) Parameters() *Parameters {
	return g.params
}

func (g *CaptionGenerator) checkFeatures(features tensor3d.General) error {
	if features.Batches <= 0 {
		return fmt.Errorf("caption: empty feature batch")
	}
	if features.Rows != g.cfg.Locations || features.Cols != g.cfg.FeatureDim {
		return fmt.Errorf("caption: features have shape (%d, %d, %d), want (N, %d, %d)",
			features.Batches, features.Rows, features.Cols, g.cfg.Locations, g.cfg.FeatureDim)
	}
	if !features.IsContiguous() {
		return fmt.Errorf("caption: features must be contiguous, got row stride %d and batch stride %d for (%d, %d, %d) with %d elements",
			features.RowStride, features.BatchStride, features.Batches, features.Rows, features.Cols, len(features.Data))
	}
	return nil
}

func (g *CaptionGenerator) checkCaptions(captions [][]int, n int) error {
	if len(captions) != n {
		return fmt.Errorf("caption: %d captions for %d feature grids", len(captions), n)
	}
	v := g.vocab.Size()
	for i, c := range captions {
		if len(c) != g.cfg.TimeSteps+1 {
			return fmt.Errorf("caption: caption %d has length %d, want %d", i, len(c), g.cfg.TimeSteps+1)
		}
		for _, w := range c {
			if w < 0 || w >= v {
				return fmt.Errorf("caption: caption %d has word index %d out of range [0, %d)", i, w, v)
			}
		}
	}
	return nil
}

func initLayers(layers [2]Affine, x blas32.General, drop *dropout) (blas32.General, error) {
	a, err := layers[0].Apply(x)
	if err != nil {
		return blas32.General{}, err
	}
	h, err := drop.apply(tensor2d.Map(a, mathx.Tanh))
	if err != nil {
		return blas32.General{}, err
	}
	a, err = layers[1].Apply(h)
	if err != nil {
		return blas32.General{}, err
	}
	return tensor2d.Map(a, mathx.Tanh), nil
}

// initialState maps the mean feature of every example to the first state.
func (g *CaptionGenerator) initialState(p *Parameters, features tensor3d.General, drop *dropout) (State, error) {
	mean := features.MeanRows()
	h, err := initLayers(p.InitH, mean, drop)
	if err != nil {
		return State{}, err
	}
	s := State{H: h}
	if g.cell.cellType() == LSTM {
		s.C, err = initLayers(p.InitC, mean, drop)
		if err != nil {
			return State{}, err
		}
	}
	return s, nil
}

// step runs attention, selector, cell and decoder once. The returned state
// is the undropped cell output; dropout only affects what the decoder sees.
func (g *CaptionGenerator) step(p *Parameters, features, projected tensor3d.General, prev State, x blas32.General, drop *dropout) (State, blas32.General, blas32.General, error) {
	context, alpha, err := g.attend(p, features, projected, prev.H)
	if err != nil {
		return State{}, blas32.General{}, blas32.General{}, err
	}

	context, err = g.selectContext(p, prev.H, context)
	if err != nil {
		return State{}, blas32.General{}, blas32.General{}, err
	}

	next, err := g.cell.Advance(p, prev, x, context)
	if err != nil {
		return State{}, blas32.General{}, blas32.General{}, err
	}

	dropped, err := drop.apply(next.H)
	if err != nil {
		return State{}, blas32.General{}, blas32.General{}, err
	}
	logits, err := g.decode(p, dropped, x, context, drop)
	if err != nil {
		return State{}, blas32.General{}, blas32.General{}, err
	}
	return next, logits, alpha, nil
}

// Loss is the teacher-forced training loss of a batch. captions has one row
// of length T+1 per example. Dropout masks are drawn from rng, which may be
// nil when dropout is disabled.
func (g *CaptionGenerator) Loss(features tensor3d.General, captions [][]int, rng *rand.Rand) (float32, error) {
	loss, _, err := g.loss(g.params, features, captions, rng)
	return loss, err
}

// LossWithAlphas is Loss that also returns the (N, T, L) attention maps of
// the unroll.
func (g *CaptionGenerator) LossWithAlphas(features tensor3d.General, captions [][]int, rng *rand.Rand) (float32, tensor3d.General, error) {
	return g.loss(g.params, features, captions, rng)
}

func (g *CaptionGenerator) loss(p *Parameters, features tensor3d.General, captions [][]int, rng *rand.Rand) (float32, tensor3d.General, error) {
	if err := g.checkFeatures(features); err != nil {
		return 0, tensor3d.General{}, err
	}
	n := features.Batches
	if err := g.checkCaptions(captions, n); err != nil {
		return 0, tensor3d.General{}, err
	}

	var drop *dropout
	if g.cfg.Dropout {
		if rng == nil {
			return 0, tensor3d.General{}, fmt.Errorf("caption: dropout is enabled but rng is nil")
		}
		drop = &dropout{keepProb: g.cfg.KeepProb, rng: rng}
	}

	state, err := g.initialState(p, features, drop)
	if err != nil {
		return 0, tensor3d.General{}, err
	}
	projected, err := projectFeatures(features, p)
	if err != nil {
		return 0, tensor3d.General{}, err
	}

	null := g.vocab.Null()
	in := make([]int, n)
	out := make([]int, n)
	alphaList := make([]blas32.General, 0, g.cfg.TimeSteps)
	var loss float32

	for t := 0; t < g.cfg.TimeSteps; t++ {
		for i, c := range captions {
			in[i] = c[t]
			out[i] = c[t+1]
		}

		x, err := tensor2d.Gather(p.Embed, in)
		if err != nil {
			return 0, tensor3d.General{}, err
		}

		next, logits, alpha, err := g.step(p, features, projected, state, x, drop)
		if err != nil {
			return 0, tensor3d.General{}, err
		}
		state = next
		alphaList = append(alphaList, alpha)
		loss += maskedCrossEntropy(logits, out, null)
	}

	alphas, err := tensor3d.Stack(alphaList)
	if err != nil {
		return 0, tensor3d.General{}, err
	}
	if g.cfg.AlphaC > 0 {
		loss += doublyStochasticPenalty(alphas, g.cfg.AlphaC)
	}
	return loss / float32(n), alphas, nil
}

// SampleResult holds greedy captions and the attention map of every step.
type SampleResult struct {
	// Alphas is (N, maxLen, L).
	Alphas tensor3d.General
	// Captions is (N, maxLen). It is not truncated at <END>.
	Captions [][]int
}

// Sample decodes greedily for exactly maxLen steps, feeding each argmax word
// back as the next input. The first input is <START>.
func (g *CaptionGenerator) Sample(features tensor3d.General, maxLen int) (SampleResult, error) {
	start, ok := g.vocab.Start()
	if !ok {
		return SampleResult{}, fmt.Errorf("caption: vocabulary has no %s token", StartToken)
	}
	if maxLen < 1 {
		return SampleResult{}, fmt.Errorf("caption: max_len must be positive, got %d", maxLen)
	}
	if err := g.checkFeatures(features); err != nil {
		return SampleResult{}, err
	}

	p := g.params
	n := features.Batches
	state, err := g.initialState(p, features, nil)
	if err != nil {
		return SampleResult{}, err
	}
	projected, err := projectFeatures(features, p)
	if err != nil {
		return SampleResult{}, err
	}

	words := make([]int, n)
	for i := range words {
		words[i] = start
	}
	captions := make([][]int, n)
	for i := range captions {
		captions[i] = make([]int, 0, maxLen)
	}
	alphaList := make([]blas32.General, 0, maxLen)

	for t := 0; t < maxLen; t++ {
		x, err := tensor2d.Gather(p.Embed, words)
		if err != nil {
			return SampleResult{}, err
		}

		next, logits, alpha, err := g.step(p, features, projected, state, x, nil)
		if err != nil {
			return SampleResult{}, err
		}
		state = next
		alphaList = append(alphaList, alpha)

		for i := range words {
			words[i] = mathx.Argmax(tensor2d.Row(logits, i))
			captions[i] = append(captions[i], words[i])
		}
	}

	alphas, err := tensor3d.Stack(alphaList)
	if err != nil {
		return SampleResult{}, err
	}
	return SampleResult{Alphas: alphas, Captions: captions}, nil
}

// LossFunc adapts the training loss to optimizer.LossFunc so an SPSA
// estimator can evaluate perturbed copies of the parameters. Every call from
// worker i draws its dropout masks from a fresh PCG seeded with seeds[i], so
// the two evaluations of one perturbation direction share the same masks.
// Draw new seeds for every estimation step to resample the masks. seeds may
// be nil when dropout is disabled.
func (g *CaptionGenerator) LossFunc(features tensor3d.General, captions [][]int, seeds []uint64) optimizer.LossFunc {
	return func(slabs optimizer.Slabs, workerIdx int) (float32, error) {
		p, err := g.params.WithSlabs(slabs)
		if err != nil {
			return 0, err
		}
		var rng *rand.Rand
		if workerIdx < len(seeds) {
			rng = rand.New(rand.NewPCG(seeds[workerIdx], uint64(workerIdx)))
		}
		loss, _, err := g.loss(p, features, captions, rng)
		return loss, err
	}
}
