package optimizer

import (
	"fmt"

	"github.com/chewxy/math32"
)

type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32

	iter int
	m    Slabs
	v    Slabs
}

// NewAdam returns an Adam optimizer whose moment buffers match params.
func NewAdam(params Slabs) *Adam {
	return &Adam{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		m:            params.NewZerosLike(),
		v:            params.NewZerosLike(),
	}
}

// Update applies one bias-corrected Adam step to params in place.
func (a *Adam) Update(params, grads Slabs) error {
	if !params.SameShape(grads) {
		return fmt.Errorf("Adam: parameters/grads shape mismatch")
	}

	if len(a.m) == 0 {
		a.m = params.NewZerosLike()
		a.v = params.NewZerosLike()
	}
	if !a.m.SameShape(params) {
		return fmt.Errorf("Adam: moment buffers do not match parameters")
	}

	a.iter++
	beta1, beta2 := a.Beta1, a.Beta2
	lrt := a.LearningRate *
		math32.Sqrt(1-math32.Pow(beta2, float32(a.iter))) /
		(1 - math32.Pow(beta1, float32(a.iter)))

	for i, g := range grads {
		m, v, w := a.m[i], a.v[i], params[i]
		for j, gj := range g {
			m[j] += (1 - beta1) * (gj - m[j])
			v[j] += (1 - beta2) * (gj*gj - v[j])
			w[j] -= lrt * m[j] / (math32.Sqrt(v[j]) + a.Epsilon)
		}
	}
	return nil
}

func (a *Adam) Iter() int {
	return a.iter
}
