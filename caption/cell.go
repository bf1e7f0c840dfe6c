package caption

import (
	"fmt"

	"github.com/sw965/showattend/blas32/tensor/2d"
	"github.com/sw965/showattend/mathx"
	"gonum.org/v1/gonum/blas/blas32"
)

// State is the recurrent memory carried between steps. C is only set for
// the LSTM cell.
type State struct {
	H blas32.General
	C blas32.General
}

// Cell advances the recurrent state by one step. The two implementations,
// plain and gated, are selected by CellType when the generator is built.
type Cell interface {
	Advance(p *Parameters, prev State, x, context blas32.General) (State, error)
	cellType() CellType
}

func newCell(t CellType) (Cell, error) {
	switch t {
	case RNN:
		return plainCell{}, nil
	case LSTM:
		return gatedCell{}, nil
	}
	return nil, fmt.Errorf("invalid cell_type %q", t)
}

// preactivation is x·Wx + h·Wh + z·Wz + b.
func preactivation(p *Parameters, h, x, context blas32.General) (blas32.General, error) {
	a, err := tensor2d.Affine(x, p.CellX, p.CellBias)
	if err != nil {
		return blas32.General{}, err
	}
	tensor2d.AddDot(a, h, p.CellH)
	tensor2d.AddDot(a, context, p.CellZ)
	return a, nil
}

type plainCell struct{}

func (plainCell) cellType() CellType {
	return RNN
}

func (plainCell) Advance(p *Parameters, prev State, x, context blas32.General) (State, error) {
	a, err := preactivation(p, prev.H, x, context)
	if err != nil {
		return State{}, err
	}
	return State{H: tensor2d.Map(a, mathx.Tanh)}, nil
}

type gatedCell struct{}

func (gatedCell) cellType() CellType {
	return LSTM
}

// Advance splits the fused (N, 4H) pre-activation into input, forget and
// output gates and the candidate, in that order.
func (gatedCell) Advance(p *Parameters, prev State, x, context blas32.General) (State, error) {
	a, err := preactivation(p, prev.H, x, context)
	if err != nil {
		return State{}, err
	}
	h := prev.H.Cols
	i := tensor2d.Map(tensor2d.Cols(a, 0, h), mathx.Sigmoid)
	f := tensor2d.Map(tensor2d.Cols(a, h, 2*h), mathx.Sigmoid)
	o := tensor2d.Map(tensor2d.Cols(a, 2*h, 3*h), mathx.Sigmoid)
	g := tensor2d.Map(tensor2d.Cols(a, 3*h, 4*h), mathx.Tanh)
	return gatedUpdate(i, f, o, g, prev.C)
}

// gatedUpdate computes c' = f⊙c + i⊙g and h' = o⊙tanh(c').
func gatedUpdate(i, f, o, g, prevC blas32.General) (State, error) {
	c, err := tensor2d.Mul(f, prevC)
	if err != nil {
		return State{}, err
	}
	ig, err := tensor2d.Mul(i, g)
	if err != nil {
		return State{}, err
	}
	if err := tensor2d.Axpy(1.0, ig, c); err != nil {
		return State{}, err
	}
	h, err := tensor2d.Mul(o, tensor2d.Map(c, mathx.Tanh))
	if err != nil {
		return State{}, err
	}
	return State{H: h, C: c}, nil
}
