package solver

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Problem-description sources known to the native solver.
const (
	SourceQuadratic = "quadratic.t"
	SourceSmoothing = "smoothing.t"
)

// Shape is the grid size of one image a program expects.
type Shape struct {
	Width  int
	Height int
}

// Objective is an energy over the unknown image.
type Objective struct {
	Func func(x []float64) float64
	Grad func(grad, x []float64)
}

// Program is a problem description the native solver can run. Image 0 is
// the unknown; the rest are fixed inputs.
type Program interface {
	// Shapes lists the images the program binds, in binding order.
	Shapes(dimX, dimY int) []Shape
	// Objective builds the energy from the fixed input images.
	Objective(dimX, dimY int, inputs [][]float64) (Objective, error)
}

func defaultPrograms() map[string]Program {
	return map[string]Program{
		SourceQuadratic: quadraticProgram{},
		SourceSmoothing: smoothingProgram{},
	}
}

// quadraticProgram minimises sum_i w_i (x_i - t_i)^2.
// Images: x, target, weights, all dimX by dimY.
type quadraticProgram struct{}

func (quadraticProgram) Shapes(dimX, dimY int) []Shape {
	s := Shape{Width: dimX, Height: dimY}
	return []Shape{s, s, s}
}

func (quadraticProgram) Objective(dimX, dimY int, inputs [][]float64) (Objective, error) {
	if len(inputs) != 2 {
		return Objective{}, fmt.Errorf("quadratic program takes 2 inputs, got %d", len(inputs))
	}
	target, weights := inputs[0], inputs[1]
	n := dimX * dimY
	diff := make([]float64, n)
	weighted := make([]float64, n)

	return Objective{
		Func: func(x []float64) float64 {
			floats.SubTo(diff, x, target)
			floats.MulTo(weighted, weights, diff)
			return floats.Dot(weighted, diff)
		},
		Grad: func(grad, x []float64) {
			floats.SubTo(diff, x, target)
			floats.MulTo(grad, weights, diff)
			floats.Scale(2, grad)
		},
	}, nil
}

// smoothingProgram minimises sum_p (x_p - t_p)^2 + w * sum (x_p - x_q)^2
// over right and down neighbour pairs. Images: x, target (dimX by dimY),
// weight (1 by 1).
type smoothingProgram struct{}

func (smoothingProgram) Shapes(dimX, dimY int) []Shape {
	s := Shape{Width: dimX, Height: dimY}
	return []Shape{s, s, {Width: 1, Height: 1}}
}

func (smoothingProgram) Objective(dimX, dimY int, inputs [][]float64) (Objective, error) {
	if len(inputs) != 2 {
		return Objective{}, fmt.Errorf("smoothing program takes 2 inputs, got %d", len(inputs))
	}
	target, w := inputs[0], inputs[1][0]
	if w < 0 {
		return Objective{}, fmt.Errorf("smoothing weight must be non-negative, got %g", w)
	}
	diff := make([]float64, dimX*dimY)

	return Objective{
		Func: func(x []float64) float64 {
			floats.SubTo(diff, x, target)
			cost := floats.Dot(diff, diff)
			var smooth float64
			for y := 0; y < dimY; y++ {
				for i := 0; i < dimX; i++ {
					p := y*dimX + i
					if i+1 < dimX {
						d := x[p] - x[p+1]
						smooth += d * d
					}
					if y+1 < dimY {
						d := x[p] - x[p+dimX]
						smooth += d * d
					}
				}
			}
			return cost + w*smooth
		},
		Grad: func(grad, x []float64) {
			floats.SubTo(grad, x, target)
			floats.Scale(2, grad)
			for y := 0; y < dimY; y++ {
				for i := 0; i < dimX; i++ {
					p := y*dimX + i
					if i+1 < dimX {
						g := 2 * w * (x[p] - x[p+1])
						grad[p] += g
						grad[p+1] -= g
					}
					if y+1 < dimY {
						g := 2 * w * (x[p] - x[p+dimX])
						grad[p] += g
						grad[p+dimX] -= g
					}
				}
			}
		},
	}, nil
}
