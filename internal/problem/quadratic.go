package problem

import (
	"fmt"
	"math/rand/v2"

	"github.com/fxnlabs/optbench/internal/gpu"
	"github.com/fxnlabs/optbench/internal/solver"
	"gonum.org/v1/gonum/stat/distuv"
)

// RandomQuadratic builds a diagonal quadratic over count unknowns:
//
//	cost(x) = offset + sum_i w_i (x_i - t_i)^2
//
// with weights in [1, 2], targets and initial values in [-1, 1] and offset
// in [0, 1). The minimum is at x = t with cost offset. Equal seeds give
// identical problems.
func RandomQuadratic(dev gpu.Device, count int, seed uint64) (*Problem, error) {
	if count <= 0 {
		return nil, fmt.Errorf("random quadratic needs a positive count, got %d", count)
	}

	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	unit := distuv.Uniform{Min: -1, Max: 1, Src: src}
	weight := distuv.Uniform{Min: 1, Max: 2, Src: src}
	offset := distuv.Uniform{Min: 0, Max: 1, Src: src}.Rand()

	x0 := make([]float32, count)
	target := make([]float32, count)
	weights := make([]float32, count)
	for i := 0; i < count; i++ {
		x0[i] = float32(unit.Rand())
		target[i] = float32(unit.Rand())
		weights[i] = float32(weight.Rand())
	}

	shape := [2]int{count, 1}
	images, err := newImages(dev, [][2]int{shape, shape, shape}, [][]float32{x0, target, weights})
	if err != nil {
		return nil, err
	}

	t := gpu.Float32ToFloat64(target)
	w := gpu.Float32ToFloat64(weights)
	return &Problem{
		Name:        fmt.Sprintf("quadratic-%d", count),
		Source:      solver.SourceQuadratic,
		DimX:        count,
		DimY:        1,
		Images:      images,
		MinimumCost: offset,
		Cost: func(x []float32) float64 {
			cost := offset
			for i := range t {
				d := float64(x[i]) - t[i]
				cost += w[i] * d * d
			}
			return cost
		},
	}, nil
}
