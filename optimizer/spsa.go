package optimizer

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/showattend/mathx"
)

// LossFunc evaluates a loss with the parameters held in params. workerIdx
// identifies the calling goroutine so implementations can pick per-worker
// state such as a dropout rng.
type LossFunc func(params Slabs, workerIdx int) (float32, error)

// EstimateGradsBySPSA estimates the gradient of lossFunc at params with
// simultaneous perturbation: one Rademacher direction per rng, two loss
// evaluations per direction, averaged over all directions. The workers run
// concurrently. params itself is never modified.
func EstimateGradsBySPSA(params Slabs, c float32, lossFunc LossFunc, rngs []*rand.Rand) (Slabs, error) {
	p := len(rngs)
	if p == 0 {
		return nil, fmt.Errorf("optimizer.EstimateGradsBySPSA: no rngs")
	}
	if c <= 0 {
		return nil, fmt.Errorf("optimizer.EstimateGradsBySPSA: perturbation %v must be positive", c)
	}

	gradsByParallel := make([]Slabs, p)
	errCh := make(chan error, p)

	worker := func(workerIdx int) {
		deltas := params.NewRademacherLike(rngs[workerIdx])

		plus := params.Clone()
		if err := plus.Axpy(c, deltas); err != nil {
			errCh <- err
			return
		}

		minus := params.Clone()
		if err := minus.Axpy(-c, deltas); err != nil {
			errCh <- err
			return
		}

		plusLoss, err := lossFunc(plus, workerIdx)
		if err != nil {
			errCh <- err
			return
		}

		minusLoss, err := lossFunc(minus, workerIdx)
		if err != nil {
			errCh <- err
			return
		}

		grads := params.NewZerosLike()
		for i, delta := range deltas {
			for j, d := range delta {
				grads[i][j] = mathx.CentralDifference(plusLoss, minusLoss, c*d)
			}
		}
		gradsByParallel[workerIdx] = grads
		errCh <- nil
	}

	for i := 0; i < p; i++ {
		go worker(i)
	}

	var firstErr error
	for i := 0; i < p; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	total := gradsByParallel[0]
	total.Scal(1.0 / float32(p))
	for _, grads := range gradsByParallel[1:] {
		if err := total.Axpy(1.0/float32(p), grads); err != nil {
			return nil, err
		}
	}
	return total, nil
}
