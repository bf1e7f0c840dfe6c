package optimizer

import (
	"fmt"
)

type Momentum struct {
	LearningRate float32
	Momentum     float32
	Velocity     Slabs
}

func NewMomentum(params Slabs, lr, momentum float32) *Momentum {
	return &Momentum{
		LearningRate: lr,
		Momentum:     momentum,
		Velocity:     params.NewZerosLike(),
	}
}

func (opt *Momentum) Update(params, grads Slabs) error {
	if !params.SameShape(grads) || !params.SameShape(opt.Velocity) {
		return fmt.Errorf("Momentum: parameters/grads/velocity shape mismatch")
	}
	for i, w := range params {
		vi := opt.Velocity[i]
		gi := grads[i]
		for j := range w {
			vi[j] = (opt.Momentum * vi[j]) - (opt.LearningRate * gi[j])
			w[j] += vi[j]
		}
	}
	return nil
}
