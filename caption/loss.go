package caption

import (
	"github.com/sw965/showattend/blas32/tensor/2d"
	"github.com/sw965/showattend/blas32/tensor/3d"
	"github.com/sw965/showattend/mathx"
	"gonum.org/v1/gonum/blas/blas32"
)

// maskedCrossEntropy sums the softmax cross-entropy of every row whose
// target is not null. Masked rows contribute nothing, whatever their logits.
func maskedCrossEntropy(logits blas32.General, targets []int, null int) float32 {
	var loss float32
	for r, target := range targets {
		if target == null {
			continue
		}
		row := tensor2d.Row(logits, r)
		loss += mathx.LogSumExp(row) - row[target]
	}
	return loss
}

// doublyStochasticPenalty is alphaC * Σ (T/L - Σ_t alpha[n,t,l])^2 over an
// (N, T, L) stack of attention maps. It is exactly zero when alphaC is zero.
func doublyStochasticPenalty(alphas tensor3d.General, alphaC float32) float32 {
	if alphaC == 0 {
		return 0
	}
	target := float32(alphas.Rows) / float32(alphas.Cols)
	mass := alphas.SumRows()
	var sum float32
	for _, m := range mass.Data {
		d := target - m
		sum += d * d
	}
	return alphaC * sum
}
