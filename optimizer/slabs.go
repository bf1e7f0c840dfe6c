package optimizer

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/sw965/showattend/mathx/randx"
	"gonum.org/v1/gonum/blas/blas32"
)

// Slabs is a flat view over every tensor of a parameter bundle. Each slab
// aliases the storage of one weight matrix or bias vector.
type Slabs [][]float32

func (ss Slabs) NewZerosLike() Slabs {
	zeros := make(Slabs, len(ss))
	for i, s := range ss {
		zeros[i] = make([]float32, len(s))
	}
	return zeros
}

func (ss Slabs) NewRademacherLike(rng *rand.Rand) Slabs {
	rad := make(Slabs, len(ss))
	for i, s := range ss {
		rad[i] = make([]float32, len(s))
		for j := range rad[i] {
			rad[i][j] = randx.Rademacher(rng)
		}
	}
	return rad
}

func (ss Slabs) Clone() Slabs {
	clone := make(Slabs, len(ss))
	for i, s := range ss {
		clone[i] = slices.Clone(s)
	}
	return clone
}

func (ss Slabs) Len() int {
	n := 0
	for _, s := range ss {
		n += len(s)
	}
	return n
}

func (ss Slabs) SameShape(xs Slabs) bool {
	if len(ss) != len(xs) {
		return false
	}
	for i, s := range ss {
		if len(s) != len(xs[i]) {
			return false
		}
	}
	return true
}

// Axpy computes ss += alpha*xs slab by slab.
func (ss Slabs) Axpy(alpha float32, xs Slabs) error {
	if !ss.SameShape(xs) {
		return fmt.Errorf("optimizer.Slabs.Axpy: shape mismatch")
	}
	for i, s := range ss {
		n := len(s)
		blas32.Axpy(alpha, blas32.Vector{N: n, Inc: 1, Data: xs[i]}, blas32.Vector{N: n, Inc: 1, Data: s})
	}
	return nil
}

func (ss Slabs) Scal(alpha float32) {
	for _, s := range ss {
		blas32.Scal(alpha, blas32.Vector{N: len(s), Inc: 1, Data: s})
	}
}
