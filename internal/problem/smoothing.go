package problem

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/fxnlabs/optbench/internal/dataimage"
	"github.com/fxnlabs/optbench/internal/gpu"
	"github.com/fxnlabs/optbench/internal/solver"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// denseLimit is the largest pixel count solved with a dense factorisation.
const denseLimit = 1024

// ImageSmoothing loads filename as grayscale and builds a smoothing problem
// on it.
func ImageSmoothing(dev gpu.Device, filename string, weight float64) (*Problem, error) {
	grid, w, h, err := dataimage.LoadGray(filename)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("smoothing-%s-w%g", filepath.Base(filename), weight)
	return ImageSmoothingFromGrid(dev, name, grid, w, h, weight)
}

// ImageSmoothingFromGrid builds a smoothing problem on a row-major grid:
//
//	cost(x) = sum_p (x_p - t_p)^2 + weight * sum_{p~q} (x_p - x_q)^2
//
// over right and down neighbour pairs, with t = grid. The unknown starts at
// grid. MinimumCost is exact, see SmoothingMinimum.
func ImageSmoothingFromGrid(dev gpu.Device, name string, grid []float32, width, height int, weight float64) (*Problem, error) {
	if width <= 0 || height <= 0 || len(grid) != width*height {
		return nil, fmt.Errorf("smoothing grid of %d values does not match %dx%d", len(grid), width, height)
	}
	if weight < 0 || math.IsNaN(weight) {
		return nil, fmt.Errorf("smoothing weight must be non-negative, got %g", weight)
	}

	// The solver reads the weight back as float32.
	wt := float64(float32(weight))
	target := gpu.Float32ToFloat64(grid)
	_, minimum, err := SmoothingMinimum(target, width, height, wt)
	if err != nil {
		return nil, err
	}

	shape := [2]int{width, height}
	images, err := newImages(dev,
		[][2]int{shape, shape, {1, 1}},
		[][]float32{grid, grid, {float32(weight)}})
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = fmt.Sprintf("smoothing-%dx%d-w%g", width, height, weight)
	}
	return &Problem{
		Name:        name,
		Source:      solver.SourceSmoothing,
		DimX:        width,
		DimY:        height,
		Images:      images,
		MinimumCost: minimum,
		Cost: func(x []float32) float64 {
			return smoothingCost(gpu.Float32ToFloat64(x[:width*height]), target, width, height, wt)
		},
	}, nil
}

// GradientGrid returns a width by height ramp rising from 0 at the top left
// corner to 1 at the bottom right.
func GradientGrid(width, height int) []float32 {
	grid := make([]float32, width*height)
	span := float32(width + height - 2)
	if span == 0 {
		return grid
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			grid[y*width+x] = float32(x+y) / span
		}
	}
	return grid
}

// SmoothingMinimum returns the minimiser and minimum cost of the smoothing
// energy for target t. The minimiser solves (I + weight*L) x = t where L is
// the 4-neighbour grid Laplacian. Small grids use a Cholesky factorisation,
// larger ones matrix-free conjugate gradients.
func SmoothingMinimum(t []float64, width, height int, weight float64) ([]float64, float64, error) {
	n := width * height
	if len(t) != n {
		return nil, 0, fmt.Errorf("target of %d values does not match %dx%d", len(t), width, height)
	}

	var x []float64
	var err error
	if n <= denseLimit {
		x, err = solveDense(t, width, height, weight)
	} else {
		x, err = solveCG(t, width, height, weight)
	}
	if err != nil {
		return nil, 0, err
	}
	return x, smoothingCost(x, t, width, height, weight), nil
}

func smoothingCost(x, t []float64, width, height int, weight float64) float64 {
	var data float64
	for i := range t {
		d := x[i] - t[i]
		data += d * d
	}
	var smooth float64
	forEachPair(width, height, func(p, q int) {
		d := x[p] - x[q]
		smooth += d * d
	})
	return data + weight*smooth
}

// forEachPair calls fn for every right and down neighbour pair.
func forEachPair(width, height int, fn func(p, q int)) {
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := y*width + x
			if x+1 < width {
				fn(p, p+1)
			}
			if y+1 < height {
				fn(p, p+width)
			}
		}
	}
}

func solveDense(t []float64, width, height int, weight float64) ([]float64, error) {
	n := width * height
	a := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		a.SetSym(i, i, 1)
	}
	forEachPair(width, height, func(p, q int) {
		a.SetSym(p, p, a.At(p, p)+weight)
		a.SetSym(q, q, a.At(q, q)+weight)
		a.SetSym(p, q, a.At(p, q)-weight)
	})

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, fmt.Errorf("smoothing system of %d pixels is not positive definite", n)
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, append([]float64(nil), t...))); err != nil {
		return nil, fmt.Errorf("solving smoothing system: %w", err)
	}
	return mat.Col(nil, 0, &x), nil
}

func solveCG(t []float64, width, height int, weight float64) ([]float64, error) {
	n := width * height
	apply := func(dst, v []float64) {
		copy(dst, v)
		forEachPair(width, height, func(p, q int) {
			d := weight * (v[p] - v[q])
			dst[p] += d
			dst[q] -= d
		})
	}

	x := append([]float64(nil), t...)
	r := make([]float64, n)
	ap := make([]float64, n)
	apply(ap, x)
	floats.SubTo(r, t, ap)
	p := append([]float64(nil), r...)
	rr := floats.Dot(r, r)

	tol := 1e-12 * math.Max(1, floats.Norm(t, 2))
	for iter := 0; iter < 10*n; iter++ {
		if math.Sqrt(rr) <= tol {
			return x, nil
		}
		apply(ap, p)
		alpha := rr / floats.Dot(p, ap)
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		next := floats.Dot(r, r)
		floats.AddScaledTo(p, r, next/rr, p)
		rr = next
	}
	if math.Sqrt(rr) <= 1e-9*math.Max(1, floats.Norm(t, 2)) {
		return x, nil
	}
	return nil, fmt.Errorf("conjugate gradients did not converge on %dx%d grid: residual %g", width, height, math.Sqrt(rr))
}
