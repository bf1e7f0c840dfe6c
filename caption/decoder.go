package caption

import (
	"github.com/sw965/showattend/blas32/tensor/2d"
	"github.com/sw965/showattend/mathx"
	"gonum.org/v1/gonum/blas/blas32"
)

// decode maps the hidden state to (N, V) logits:
// tanh(h·W1 + b1 [+ x] [+ z·W_ctx2out])·W2 + b2.
func (g *CaptionGenerator) decode(p *Parameters, h, x, context blas32.General, drop *dropout) (blas32.General, error) {
	u, err := p.Decode[0].Apply(h)
	if err != nil {
		return blas32.General{}, err
	}
	if g.cfg.Prev2Out {
		if err := tensor2d.Axpy(1.0, x, u); err != nil {
			return blas32.General{}, err
		}
	}
	if g.cfg.Ctx2Out {
		tensor2d.AddDot(u, context, p.CtxToOut)
	}
	u, err = drop.apply(tensor2d.Map(u, mathx.Tanh))
	if err != nil {
		return blas32.General{}, err
	}
	return p.Decode[1].Apply(u)
}
