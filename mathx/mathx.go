package mathx

import (
	"github.com/chewxy/math32"
)

func CentralDifference(plusY, minusY, h float32) float32 {
	return (plusY - minusY) / (2.0 * h)
}

func Sigmoid(x float32) float32 {
	return 1.0 / (1.0 + math32.Exp(-x))
}

func Tanh(x float32) float32 {
	return math32.Tanh(x)
}

func ReLU(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

// LogSumExp は log(Σ exp(x_i)) を最大値を引いてから計算する。
func LogSumExp(xs []float32) float32 {
	maxX := xs[0]
	for _, x := range xs[1:] {
		if x > maxX {
			maxX = x
		}
	}
	var sum float32
	for _, x := range xs {
		sum += math32.Exp(x - maxX)
	}
	return maxX + math32.Log(sum)
}

// Softmax overwrites xs with its softmax. The maximum is subtracted first
// so large logits do not overflow.
func Softmax(xs []float32) {
	maxX := xs[0]
	for _, x := range xs[1:] {
		if x > maxX {
			maxX = x
		}
	}
	var sum float32
	for i, x := range xs {
		e := math32.Exp(x - maxX)
		xs[i] = e
		sum += e
	}
	for i := range xs {
		xs[i] /= sum
	}
}

// Argmax returns the index of the largest element. Ties go to the lowest index.
func Argmax(xs []float32) int {
	idx := 0
	for i, x := range xs {
		if x > xs[idx] {
			idx = i
		}
	}
	return idx
}
