package caption

import (
	"github.com/sw965/omw/parallel"
	"github.com/sw965/showattend/blas32/tensor/2d"
	"github.com/sw965/showattend/blas32/tensor/3d"
	"github.com/sw965/showattend/mathx"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// projectFeatures applies ProjFeature along D for every location of every
// example with a single (N*L, D)·(D, D) product.
func projectFeatures(features tensor3d.General, p *Parameters) (tensor3d.General, error) {
	flat := tensor2d.Dot(blas.NoTrans, blas.NoTrans, features.Flatten2D(), p.ProjFeature)
	return tensor3d.FromFlatten2D(flat, features.Batches)
}

func (a Activation) fn() func(float32) float32 {
	if a == Tanh {
		return mathx.Tanh
	}
	return mathx.ReLU
}

// attend scores every location against the hidden state and returns the
// context vectors (N, D) and the attention weights (N, L). Each row of alpha
// is a softmax over L.
func (g *CaptionGenerator) attend(p *Parameters, features, projected tensor3d.General, h blas32.General) (blas32.General, blas32.General, error) {
	n, l, d := features.Batches, features.Rows, features.Cols
	hProj, err := p.ProjHidden.Apply(h)
	if err != nil {
		return blas32.General{}, blas32.General{}, err
	}
	act := g.cfg.AttentionActivation.fn()

	alpha := tensor2d.NewZeros(n, l)
	context := tensor2d.NewZeros(n, d)
	watt := p.Attention.Data

	err = parallel.For(n, min(g.cfg.Parallel, n), func(_, i int) error {
		hp := tensor2d.Row(hProj, i)
		scores := tensor2d.Row(alpha, i)
		for loc := 0; loc < l; loc++ {
			offset := projected.At(i, loc, 0)
			row := projected.Data[offset : offset+d]
			var s float32
			for k, e := range row {
				s += act(e+hp[k]) * watt[k]
			}
			scores[loc] = s
		}
		mathx.Softmax(scores)

		blas32.Gemv(blas.Trans, 1.0, features.Batch(i),
			blas32.Vector{N: l, Inc: 1, Data: scores}, 0.0,
			blas32.Vector{N: d, Inc: 1, Data: tensor2d.Row(context, i)})
		return nil
	})
	if err != nil {
		return blas32.General{}, blas32.General{}, err
	}
	return context, alpha, nil
}

// selectContext scales each context row by sigmoid(h·W_sel + b_sel). With
// the selector disabled the context is returned as is.
func (g *CaptionGenerator) selectContext(p *Parameters, h, context blas32.General) (blas32.General, error) {
	if !g.cfg.Selector {
		return context, nil
	}
	logit, err := p.Selector.Apply(h)
	if err != nil {
		return blas32.General{}, err
	}
	beta := tensor2d.Map(logit, mathx.Sigmoid)
	return tensor2d.ScaleRows(context, beta.Data)
}
