package tensor2d

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/sw965/showattend/mathx/randx"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

// NewNormal draws every element from N(0, std^2).
func NewNormal(rows, cols int, std float64, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	for i := range gen.Data {
		gen.Data[i] = randx.Normal(std, rng)
	}
	return gen
}

func NewUniform(rows, cols int, min, max float32, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	for i := range gen.Data {
		gen.Data[i] = randx.Uniform(min, max, rng)
	}
	return gen
}

func FromRows(rows [][]float32) (blas32.General, error) {
	if len(rows) == 0 {
		return NewZeros(0, 0), nil
	}
	cols := len(rows[0])
	gen := NewZeros(len(rows), cols)
	for r, row := range rows {
		if len(row) != cols {
			return blas32.General{}, fmt.Errorf("tensor2d.FromRows: row %d has %d cols, want %d", r, len(row), cols)
		}
		copy(gen.Data[r*cols:(r+1)*cols], row)
	}
	return gen, nil
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func Clone(gen blas32.General) blas32.General {
	return blas32.General{
		Rows:   gen.Rows,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   slices.Clone(gen.Data),
	}
}

// Row returns the storage of one row. Writes go through to gen.
func Row(gen blas32.General, row int) []float32 {
	offset := row * gen.Stride
	return gen.Data[offset : offset+gen.Cols]
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

func SameShape(a, b blas32.General) bool {
	return a.Rows == b.Rows && a.Cols == b.Cols
}

// Axpy computes y += alpha*x. Both operands must be contiguous.
func Axpy(alpha float32, x, y blas32.General) error {
	if !SameShape(x, y) {
		return fmt.Errorf("tensor2d.Axpy: shape (%d, %d) != (%d, %d)", x.Rows, x.Cols, y.Rows, y.Cols)
	}
	blas32.Axpy(alpha, ToVector(x), ToVector(y))
	return nil
}

func Dot(tA, tB blas.Transpose, a, b blas32.General) blas32.General {
	rows, cols := a.Rows, b.Cols
	if tA == blas.Trans {
		rows = a.Cols
	}
	if tB == blas.Trans {
		cols = b.Rows
	}
	y := NewZeros(rows, cols)
	blas32.Gemm(tA, tB, 1.0, a, b, 0.0, y)
	return y
}

// AddDot accumulates y += a·b in place.
func AddDot(y, a, b blas32.General) {
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, a, b, 1.0, y)
}

// Affine returns x·w + b with b broadcast over the rows. An empty b means no bias.
func Affine(x, w blas32.General, b blas32.Vector) (blas32.General, error) {
	y := Dot(blas.NoTrans, blas.NoTrans, x, w)
	if b.N == 0 {
		return y, nil
	}
	if err := AddRow(y, b); err != nil {
		return blas32.General{}, err
	}
	return y, nil
}

// AddRow adds vec to every row of gen in place.
func AddRow(gen blas32.General, vec blas32.Vector) error {
	if vec.N != gen.Cols {
		return fmt.Errorf("tensor2d.AddRow: vector length %d != cols %d", vec.N, gen.Cols)
	}
	y := blas32.Vector{N: gen.Cols, Inc: 1}
	for r := 0; r < gen.Rows; r++ {
		y.Data = Row(gen, r)
		blas32.Axpy(1.0, vec, y)
	}
	return nil
}

// Map applies f to every element and returns the result as a new matrix.
func Map(gen blas32.General, f func(float32) float32) blas32.General {
	y := NewZeros(gen.Rows, gen.Cols)
	for r := 0; r < gen.Rows; r++ {
		src := Row(gen, r)
		dst := Row(y, r)
		for c, e := range src {
			dst[c] = f(e)
		}
	}
	return y
}

// Mul is the element-wise (Hadamard) product.
func Mul(a, b blas32.General) (blas32.General, error) {
	if !SameShape(a, b) {
		return blas32.General{}, fmt.Errorf("tensor2d.Mul: shape (%d, %d) != (%d, %d)", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	y := NewZeros(a.Rows, a.Cols)
	for r := 0; r < a.Rows; r++ {
		ar, br, yr := Row(a, r), Row(b, r), Row(y, r)
		for c := range yr {
			yr[c] = ar[c] * br[c]
		}
	}
	return y, nil
}

// MulData multiplies gen element-wise by data in place. data is laid out
// row-major with no padding.
func MulData(gen blas32.General, data []float32) error {
	if len(data) != N(gen) {
		return fmt.Errorf("tensor2d.MulData: len(data) %d != %d", len(data), N(gen))
	}
	for r := 0; r < gen.Rows; r++ {
		row := Row(gen, r)
		for c := range row {
			row[c] *= data[r*gen.Cols+c]
		}
	}
	return nil
}

// ScaleRows returns a copy of gen with row r multiplied by scales[r].
func ScaleRows(gen blas32.General, scales []float32) (blas32.General, error) {
	if len(scales) != gen.Rows {
		return blas32.General{}, fmt.Errorf("tensor2d.ScaleRows: %d scales for %d rows", len(scales), gen.Rows)
	}
	y := NewZeros(gen.Rows, gen.Cols)
	for r, s := range scales {
		src, dst := Row(gen, r), Row(y, r)
		for c, e := range src {
			dst[c] = s * e
		}
	}
	return y, nil
}

// Cols copies the column block [start, end).
func Cols(gen blas32.General, start, end int) blas32.General {
	y := NewZeros(gen.Rows, end-start)
	for r := 0; r < gen.Rows; r++ {
		copy(Row(y, r), Row(gen, r)[start:end])
	}
	return y
}

// Gather builds a matrix whose i-th row is row idxs[i] of gen.
func Gather(gen blas32.General, idxs []int) (blas32.General, error) {
	y := NewZeros(len(idxs), gen.Cols)
	for i, idx := range idxs {
		if idx < 0 || idx >= gen.Rows {
			return blas32.General{}, fmt.Errorf("tensor2d.Gather: index %d out of range [0, %d)", idx, gen.Rows)
		}
		copy(Row(y, i), Row(gen, idx))
	}
	return y, nil
}
