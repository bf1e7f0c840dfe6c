package caption

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sw965/showattend/blas32/tensor/2d"
	"github.com/sw965/showattend/blas32/vector"
	"github.com/sw965/showattend/optimizer"
	"gonum.org/v1/gonum/blas/blas32"
)

// Affine is a weight matrix with its bias. An empty Bias means no bias.
type Affine struct {
	Weight blas32.General
	Bias   blas32.Vector
}

func newZeroAffine(rows, cols int, bias bool) Affine {
	a := Affine{Weight: tensor2d.NewZeros(rows, cols)}
	if bias {
		a.Bias = vector.NewZeros(cols)
	}
	return a
}

func (a Affine) Clone() Affine {
	return Affine{
		Weight: tensor2d.Clone(a.Weight),
		Bias:   vector.Clone(a.Bias),
	}
}

func (a Affine) Apply(x blas32.General) (blas32.General, error) {
	return tensor2d.Affine(x, a.Weight, a.Bias)
}

// Parameters holds every learnable tensor of a CaptionGenerator. Tensors that
// the configuration does not use (InitC for the plain cell, CtxToOut, Selector)
// stay empty.
type Parameters struct {
	// Embed is the (V, M) word embedding matrix.
	Embed blas32.General

	// InitH and InitC map mean features (D) to the initial hidden and cell
	// states through two tanh layers: (D, H) then (H, H).
	InitH [2]Affine
	InitC [2]Affine

	// ProjFeature is the (D, D) projection applied once to the feature grid.
	ProjFeature blas32.General
	// ProjHidden maps the hidden state into feature space: (H, D) and (D).
	ProjHidden Affine
	// Attention reduces each projected location to a score: (D).
	Attention blas32.Vector

	// The cell pre-activation is x·CellX + h·CellH + z·CellZ + CellBias, with
	// H columns for the plain cell and 4H for the gated one.
	CellX    blas32.General
	CellH    blas32.General
	CellZ    blas32.General
	CellBias blas32.Vector

	// CtxToOut is (D, M).
	CtxToOut blas32.General
	// Selector is (H, 1) and (1).
	Selector Affine

	// Decode maps the hidden state to embedding space and then to logits:
	// (H, M) then (M, V).
	Decode [2]Affine
}

// NewZeroParameters allocates an all-zero bundle shaped for cfg. cfg must
// already be validated.
func NewZeroParameters(cfg *Config, vocabSize int) *Parameters {
	d, h, m := cfg.FeatureDim, cfg.HiddenDim, cfg.EmbedDim
	k := 1
	if cfg.CellType == LSTM {
		k = 4
	}

	p := &Parameters{
		Embed: tensor2d.NewZeros(vocabSize, m),
		InitH: [2]Affine{
			newZeroAffine(d, h, true),
			newZeroAffine(h, h, true),
		},
		ProjFeature: tensor2d.NewZeros(d, d),
		ProjHidden:  newZeroAffine(h, d, true),
		Attention:   vector.NewZeros(d),
		CellX:       tensor2d.NewZeros(m, k*h),
		CellH:       tensor2d.NewZeros(h, k*h),
		CellZ:       tensor2d.NewZeros(d, k*h),
		CellBias:    vector.NewZeros(k * h),
		Decode: [2]Affine{
			newZeroAffine(h, m, true),
			newZeroAffine(m, vocabSize, true),
		},
	}
	if cfg.CellType == LSTM {
		p.InitC = [2]Affine{
			newZeroAffine(d, h, true),
			newZeroAffine(h, h, true),
		}
	}
	if cfg.Ctx2Out {
		p.CtxToOut = tensor2d.NewZeros(d, m)
	}
	if cfg.Selector {
		p.Selector = newZeroAffine(h, 1, true)
	}
	return p
}

// NewParameters allocates a bundle and initialises it: weights are drawn from
// N(0, 1/fanIn), biases are zero and the embedding is uniform in [-1, 1).
// The cell weights share fanIn = M+H+D.
func NewParameters(cfg *Config, vocabSize int, rng *rand.Rand) *Parameters {
	p := NewZeroParameters(cfg, vocabSize)

	p.Embed = tensor2d.NewUniform(vocabSize, cfg.EmbedDim, -1.0, 1.0, rng)

	normal := func(w *blas32.General, fanIn int) {
		if w.Rows == 0 {
			return
		}
		*w = tensor2d.NewNormal(w.Rows, w.Cols, 1.0/math.Sqrt(float64(fanIn)), rng)
	}

	for i := range p.InitH {
		normal(&p.InitH[i].Weight, p.InitH[i].Weight.Rows)
		normal(&p.InitC[i].Weight, p.InitC[i].Weight.Rows)
	}
	normal(&p.ProjFeature, p.ProjFeature.Rows)
	normal(&p.ProjHidden.Weight, p.ProjHidden.Weight.Rows)

	p.Attention = vector.NewNormal(cfg.FeatureDim, 1.0/math.Sqrt(float64(cfg.FeatureDim)), rng)

	cellFanIn := cfg.EmbedDim + cfg.HiddenDim + cfg.FeatureDim
	normal(&p.CellX, cellFanIn)
	normal(&p.CellH, cellFanIn)
	normal(&p.CellZ, cellFanIn)

	normal(&p.CtxToOut, p.CtxToOut.Rows)
	normal(&p.Selector.Weight, p.Selector.Weight.Rows)
	for i := range p.Decode {
		normal(&p.Decode[i].Weight, p.Decode[i].Weight.Rows)
	}
	return p
}

func (p *Parameters) Clone() *Parameters {
	return &Parameters{
		Embed:       tensor2d.Clone(p.Embed),
		InitH:       [2]Affine{p.InitH[0].Clone(), p.InitH[1].Clone()},
		InitC:       [2]Affine{p.InitC[0].Clone(), p.InitC[1].Clone()},
		ProjFeature: tensor2d.Clone(p.ProjFeature),
		ProjHidden:  p.ProjHidden.Clone(),
		Attention:   vector.Clone(p.Attention),
		CellX:       tensor2d.Clone(p.CellX),
		CellH:       tensor2d.Clone(p.CellH),
		CellZ:       tensor2d.Clone(p.CellZ),
		CellBias:    vector.Clone(p.CellBias),
		CtxToOut:    tensor2d.Clone(p.CtxToOut),
		Selector:    p.Selector.Clone(),
		Decode:      [2]Affine{p.Decode[0].Clone(), p.Decode[1].Clone()},
	}
}

// dataRefs lists the storage of every non-empty tensor in a fixed order.
func (p *Parameters) dataRefs() []*[]float32 {
	all := []*[]float32{&p.Embed.Data}
	affines := []*Affine{
		&p.InitH[0], &p.InitH[1], &p.InitC[0], &p.InitC[1],
		&p.ProjHidden, &p.Selector, &p.Decode[0], &p.Decode[1],
	}
	for _, a := range affines {
		all = append(all, &a.Weight.Data, &a.Bias.Data)
	}
	all = append(all,
		&p.ProjFeature.Data, &p.Attention.Data,
		&p.CellX.Data, &p.CellH.Data, &p.CellZ.Data, &p.CellBias.Data,
		&p.CtxToOut.Data,
	)

	refs := all[:0]
	for _, r := range all {
		if len(*r) != 0 {
			refs = append(refs, r)
		}
	}
	return refs
}

// Slabs returns views aliasing the bundle's storage, suitable for the
// optimizer package. Writes to the slabs update p.
func (p *Parameters) Slabs() optimizer.Slabs {
	refs := p.dataRefs()
	slabs := make(optimizer.Slabs, len(refs))
	for i, r := range refs {
		slabs[i] = *r
	}
	return slabs
}

// WithSlabs returns a shallow copy of p whose tensors point at slabs. The
// slabs must have the shape of p.Slabs().
func (p *Parameters) WithSlabs(slabs optimizer.Slabs) (*Parameters, error) {
	q := *p
	refs := q.dataRefs()
	if len(refs) != len(slabs) {
		return nil, fmt.Errorf("caption.Parameters.WithSlabs: %d slabs, want %d", len(slabs), len(refs))
	}
	for i, r := range refs {
		if len(*r) != len(slabs[i]) {
			return nil, fmt.Errorf("caption.Parameters.WithSlabs: slab %d has %d elements, want %d", i, len(slabs[i]), len(*r))
		}
		*r = slabs[i]
	}
	return &q, nil
}
