package tensor3d

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/showattend/mathx/randx"
	"gonum.org/v1/gonum/blas/blas32"
)

// General is a dense row-major (Batches, Rows, Cols) tensor. For image
// features it is laid out as (N, L, D).
type General struct {
	Batches     int
	Rows        int
	Cols        int
	BatchStride int
	RowStride   int
	Data        []float32
}

func NewZeros(batches, rows, cols int) General {
	rowStride := cols
	batchStride := rows * rowStride
	return General{
		Batches:     batches,
		Rows:        rows,
		Cols:        cols,
		BatchStride: batchStride,
		RowStride:   rowStride,
		Data:        make([]float32, batches*batchStride),
	}
}

func NewUniform(batches, rows, cols int, min, max float32, rng *rand.Rand) General {
	g := NewZeros(batches, rows, cols)
	for i := range g.Data {
		g.Data[i] = randx.Uniform(min, max, rng)
	}
	return g
}

// New wraps data without copying it.
func New(batches, rows, cols int, data []float32) (General, error) {
	if len(data) != batches*rows*cols {
		return General{}, fmt.Errorf("tensor3d.New: len(data) %d != %d*%d*%d", len(data), batches, rows, cols)
	}
	g := NewZeros(0, rows, cols)
	g.Batches = batches
	g.Data = data
	return g, nil
}

func (g General) N() int {
	return g.Batches * g.Rows * g.Cols
}

// IsContiguous reports whether g is densely packed with no row or batch
// padding, which is what Flatten2D and FromFlatten2D require.
func (g General) IsContiguous() bool {
	return g.RowStride == g.Cols &&
		g.BatchStride == g.Rows*g.Cols &&
		len(g.Data) >= g.N()
}

func (g General) At(batch, row, col int) int {
	return batch*g.BatchStride + row*g.RowStride + col
}

// Batch returns a (Rows, Cols) view of one batch entry sharing g's storage.
func (g General) Batch(i int) blas32.General {
	offset := i * g.BatchStride
	return blas32.General{
		Rows:   g.Rows,
		Cols:   g.Cols,
		Stride: g.RowStride,
		Data:   g.Data[offset : offset+g.BatchStride],
	}
}

// Flatten2D views g as a (Batches*Rows, Cols) matrix sharing g's storage.
// g must be contiguous.
func (g General) Flatten2D() blas32.General {
	return blas32.General{
		Rows:   g.Batches * g.Rows,
		Cols:   g.Cols,
		Stride: g.RowStride,
		Data:   g.Data,
	}
}

// FromFlatten2D is the inverse of Flatten2D.
func FromFlatten2D(gen blas32.General, batches int) (General, error) {
	if batches == 0 || gen.Rows%batches != 0 {
		return General{}, fmt.Errorf("tensor3d.FromFlatten2D: %d rows cannot split into %d batches", gen.Rows, batches)
	}
	if gen.Stride != gen.Cols {
		return General{}, fmt.Errorf("tensor3d.FromFlatten2D: matrix is not contiguous")
	}
	return New(batches, gen.Rows/batches, gen.Cols, gen.Data)
}

// SumRows reduces the Rows axis and returns a (Batches, Cols) matrix.
func (g General) SumRows() blas32.General {
	y := blas32.General{
		Rows:   g.Batches,
		Cols:   g.Cols,
		Stride: g.Cols,
		Data:   make([]float32, g.Batches*g.Cols),
	}
	for b := 0; b < g.Batches; b++ {
		dst := blas32.Vector{N: g.Cols, Inc: 1, Data: y.Data[b*g.Cols : (b+1)*g.Cols]}
		for r := 0; r < g.Rows; r++ {
			offset := g.At(b, r, 0)
			src := blas32.Vector{N: g.Cols, Inc: 1, Data: g.Data[offset : offset+g.Cols]}
			blas32.Axpy(1.0, src, dst)
		}
	}
	return y
}

// MeanRows averages over the Rows axis, e.g. (N, L, D) -> (N, D).
func (g General) MeanRows() blas32.General {
	y := g.SumRows()
	if g.Rows != 0 {
		blas32.Scal(1.0/float32(g.Rows), blas32.Vector{N: len(y.Data), Inc: 1, Data: y.Data})
	}
	return y
}

// Stack joins per-step (Batches, Cols) matrices along a new middle axis, so
// T matrices of shape (N, X) become an (N, T, X) tensor.
func Stack(steps []blas32.General) (General, error) {
	if len(steps) == 0 {
		return General{}, fmt.Errorf("tensor3d.Stack: no steps")
	}
	batches, cols := steps[0].Rows, steps[0].Cols
	g := NewZeros(batches, len(steps), cols)
	for t, step := range steps {
		if step.Rows != batches || step.Cols != cols {
			return General{}, fmt.Errorf("tensor3d.Stack: step %d has shape (%d, %d), want (%d, %d)",
				t, step.Rows, step.Cols, batches, cols)
		}
		for b := 0; b < batches; b++ {
			src := step.Data[b*step.Stride : b*step.Stride+cols]
			offset := g.At(b, t, 0)
			copy(g.Data[offset:offset+cols], src)
		}
	}
	return g, nil
}
