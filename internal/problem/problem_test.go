package problem

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/fxnlabs/optbench/internal/config"
	"github.com/fxnlabs/optbench/internal/gpu"
	"github.com/fxnlabs/optbench/internal/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDevice(t *testing.T, limit int64) *gpu.CPUDevice {
	t.Helper()
	device := gpu.NewCPUDevice(zap.NewNop(), limit)
	require.NoError(t, device.Initialize())
	t.Cleanup(func() { _ = device.Cleanup() })
	return device
}

func TestRandomQuadratic(t *testing.T) {
	dev := newTestDevice(t, 0)

	p, err := RandomQuadratic(dev, 8, 42)
	require.NoError(t, err)
	defer p.Free()

	assert.Equal(t, "quadratic-8", p.Name)
	assert.Equal(t, solver.SourceQuadratic, p.Source)
	assert.Equal(t, 8, p.DimX)
	assert.Equal(t, 1, p.DimY)
	require.Len(t, p.Images, 3)
	for _, im := range p.Images {
		assert.Equal(t, 8, im.Width())
		assert.Equal(t, 1, im.Height())
	}

	assert.GreaterOrEqual(t, p.MinimumCost, 0.0)
	assert.Less(t, p.MinimumCost, 1.0)
	for i, w := range p.Images[2].Data() {
		assert.GreaterOrEqual(t, w, float32(1), "weight %d", i)
		assert.LessOrEqual(t, w, float32(2), "weight %d", i)
	}

	target := p.Images[1].Data()
	assert.InDelta(t, p.MinimumCost, p.Cost(target), 1e-5)
	assert.Greater(t, p.Cost(p.Images[0].Data()), p.MinimumCost, "initial point is not the minimum")
}

func TestRandomQuadratic_Deterministic(t *testing.T) {
	dev := newTestDevice(t, 0)

	a, err := RandomQuadratic(dev, 16, 7)
	require.NoError(t, err)
	defer a.Free()
	b, err := RandomQuadratic(dev, 16, 7)
	require.NoError(t, err)
	defer b.Free()
	c, err := RandomQuadratic(dev, 16, 8)
	require.NoError(t, err)
	defer c.Free()

	assert.Equal(t, a.MinimumCost, b.MinimumCost)
	for i := range a.Images {
		assert.Equal(t, a.Images[i].Data(), b.Images[i].Data(), "image %d", i)
	}
	assert.NotEqual(t, a.Images[1].Data(), c.Images[1].Data(), "different seeds differ")
}

func TestRandomQuadratic_Errors(t *testing.T) {
	_, err := RandomQuadratic(newTestDevice(t, 0), 0, 1)
	assert.Error(t, err)

	// Room for two of the three images only
	dev := newTestDevice(t, 2*64*4)
	_, err = RandomQuadratic(dev, 64, 1)
	assert.ErrorIs(t, err, gpu.ErrAllocation)
	assert.Equal(t, 0, dev.LiveAllocations(), "partial allocations are released")
}

func TestGradientGrid(t *testing.T) {
	grid := GradientGrid(4, 4)
	require.Len(t, grid, 16)
	assert.Equal(t, float32(0), grid[0])
	assert.Equal(t, float32(1), grid[15])
	assert.InDelta(t, 0.5, grid[3], 1e-7)

	assert.Equal(t, []float32{0}, GradientGrid(1, 1))
}

func TestImageSmoothingFromGrid(t *testing.T) {
	dev := newTestDevice(t, 0)
	grid := GradientGrid(4, 4)

	p, err := ImageSmoothingFromGrid(dev, "", grid, 4, 4, 0.1)
	require.NoError(t, err)
	defer p.Free()

	assert.Equal(t, "smoothing-4x4-w0.1", p.Name)
	assert.Equal(t, solver.SourceSmoothing, p.Source)
	require.Len(t, p.Images, 3)
	assert.Equal(t, grid, p.Images[0].Data())
	assert.Equal(t, grid, p.Images[1].Data())
	assert.Equal(t, []float32{0.1}, p.Images[2].Data())
	assert.Equal(t, 1, p.Images[2].Width())

	// The raw input only pays the smoothness term, the minimum pays less.
	assert.Greater(t, p.Cost(grid), p.MinimumCost)
	assert.Greater(t, p.MinimumCost, 0.0)

	x, minimum, err := SmoothingMinimum(gpu.Float32ToFloat64(grid), 4, 4, float64(float32(0.1)))
	require.NoError(t, err)
	assert.InDelta(t, p.MinimumCost, minimum, 1e-12)
	assert.InDelta(t, minimum, p.Cost(gpu.Float64ToFloat32(x)), 1e-5)
}

func TestImageSmoothingFromGrid_ZeroWeight(t *testing.T) {
	dev := newTestDevice(t, 0)
	grid := GradientGrid(3, 5)

	p, err := ImageSmoothingFromGrid(dev, "flat", grid, 3, 5, 0)
	require.NoError(t, err)
	defer p.Free()

	assert.Equal(t, "flat", p.Name)
	assert.InDelta(t, 0, p.MinimumCost, 1e-12)
	assert.InDelta(t, 0, p.Cost(grid), 1e-12)
}

func TestImageSmoothingFromGrid_Errors(t *testing.T) {
	dev := newTestDevice(t, 0)

	_, err := ImageSmoothingFromGrid(dev, "", make([]float32, 5), 2, 2, 0.1)
	assert.Error(t, err)
	_, err = ImageSmoothingFromGrid(dev, "", make([]float32, 4), 2, 2, -1)
	assert.Error(t, err)
}

func TestSmoothingMinimum_DenseMatchesCG(t *testing.T) {
	const w, h = 12, 9
	target := gpu.Float32ToFloat64(GradientGrid(w, h))
	for i := range target {
		if i%5 == 0 {
			target[i] = 1 - target[i]
		}
	}

	for _, weight := range []float64{0, 0.1, 2.5} {
		dense, err := solveDense(target, w, h, weight)
		require.NoError(t, err)
		cg, err := solveCG(target, w, h, weight)
		require.NoError(t, err)
		assert.InDeltaSlice(t, dense, cg, 1e-9, "weight %g", weight)
	}
}

func TestSmoothingMinimum_LargeGridUsesCG(t *testing.T) {
	const w, h = 40, 30
	target := gpu.Float32ToFloat64(GradientGrid(w, h))

	x, minimum, err := SmoothingMinimum(target, w, h, 0.5)
	require.NoError(t, err)
	require.Len(t, x, w*h)

	// Stationarity: x + w*L x = t
	residual := make([]float64, len(x))
	copy(residual, x)
	forEachPair(w, h, func(p, q int) {
		d := 0.5 * (x[p] - x[q])
		residual[p] += d
		residual[q] -= d
	})
	assert.InDeltaSlice(t, target, residual, 1e-8)

	// Any perturbation increases the cost
	perturbed := append([]float64(nil), x...)
	perturbed[17] += 1e-3
	assert.Greater(t, smoothingCost(perturbed, target, w, h, 0.5), minimum)
}

func TestImageSmoothing_File(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			v := uint8(x * 80)
			src.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "ramp.png")
	require.NoError(t, imaging.Save(src, path))

	dev := newTestDevice(t, 0)
	p, err := ImageSmoothing(dev, path, 0.25)
	require.NoError(t, err)
	defer p.Free()

	assert.Equal(t, "smoothing-ramp.png-w0.25", p.Name)
	assert.Equal(t, 4, p.DimX)
	assert.Equal(t, 3, p.DimY)
	assert.InDelta(t, 240.0/255, p.Images[1].At(3, 2), 1e-2)

	_, err = ImageSmoothing(dev, filepath.Join(t.TempDir(), "missing.png"), 0.1)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	dev := newTestDevice(t, 0)

	t.Run("quadratic", func(t *testing.T) {
		p, err := FromConfig(dev, config.ProblemConfig{Kind: config.ProblemQuadratic, Count: 4, Seed: 1})
		require.NoError(t, err)
		defer p.Free()
		assert.Equal(t, "quadratic-4", p.Name)
	})

	t.Run("synthetic smoothing with name", func(t *testing.T) {
		p, err := FromConfig(dev, config.ProblemConfig{
			Kind:      config.ProblemSmoothing,
			Name:      "ramp",
			Synthetic: config.SyntheticGradient,
			Width:     4,
			Height:    4,
			Weight:    0.1,
		})
		require.NoError(t, err)
		defer p.Free()
		assert.Equal(t, "ramp", p.Name)
		assert.Equal(t, solver.SourceSmoothing, p.Source)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := FromConfig(dev, config.ProblemConfig{Kind: "rosenbrock"})
		assert.Error(t, err)
	})
}
