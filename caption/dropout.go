package caption

import (
	"math/rand/v2"

	"github.com/sw965/showattend/blas32/tensor/2d"
	"github.com/sw965/showattend/mathx/randx"
	"gonum.org/v1/gonum/blas/blas32"
)

// dropout is active only when non-nil. The sampler always passes nil.
type dropout struct {
	keepProb float32
	rng      *rand.Rand
}

// apply returns gen with inverted dropout applied. gen itself is untouched.
func (d *dropout) apply(gen blas32.General) (blas32.General, error) {
	if d == nil {
		return gen, nil
	}
	y := tensor2d.Clone(gen)
	mask := randx.KeepMask(tensor2d.N(y), d.keepProb, d.rng)
	if err := tensor2d.MulData(y, mask); err != nil {
		return blas32.General{}, err
	}
	return y, nil
}
