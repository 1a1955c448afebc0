package harness

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/optbench/internal/gpu"
	"github.com/fxnlabs/optbench/internal/problem"
	"github.com/fxnlabs/optbench/internal/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// mockContext is a solver context double. Bindings come from a real table
// so stale-binding checks behave as with a real context.
type mockContext struct {
	mock.Mock
	table solver.BindingTable
}

func (m *mockContext) LoadProblem(source string, dimX, dimY int) error {
	args := m.Called(source, dimX, dimY)
	m.table.Reset()
	return args.Error(0)
}

func (m *mockContext) Bind(region solver.Region) (*solver.Binding, error) {
	args := m.Called(region.Location, region.Width, region.Height)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	return m.table.Add(region), nil
}

func (m *mockContext) Solve(params string) (solver.Status, error) {
	args := m.Called(params)
	return args.Get(0).(solver.Status), args.Error(1)
}

func (m *mockContext) Close() error {
	return m.Called().Error(0)
}

func newTestDevice(t *testing.T) *gpu.CPUDevice {
	t.Helper()
	device := gpu.NewCPUDevice(zap.NewNop(), 0)
	require.NoError(t, device.Initialize())
	t.Cleanup(func() { _ = device.Cleanup() })
	return device
}

// solveTo returns a mock Run hook that writes the target image of p into
// the unknown's device memory, like a perfect solver would.
func solveTo(t *testing.T, dev gpu.Device, p *problem.Problem) func(mock.Arguments) {
	return func(mock.Arguments) {
		require.NoError(t, gpu.CopyElementsToDevice(dev, p.Images[0].DevicePtr(), p.Images[1].Data()))
	}
}

func TestHarness_ScenarioQuadratic(t *testing.T) {
	dev := newTestDevice(t)
	h := New(solver.NewNativeContext(dev, zap.NewNop()), dev, zap.NewNop())
	defer h.Close()

	p, err := problem.RandomQuadratic(dev, 4, 2024)
	require.NoError(t, err)
	h.AddProblem(p)
	require.NoError(t, h.AddMethod(Method{Name: "gd", Parameters: "gradientDescent:iters=1000"}))

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	r := report.Results[0]
	assert.Equal(t, VerdictPass, r.Verdict, r.Detail)
	assert.InDelta(t, p.MinimumCost, r.AchievedCost, 1e-3)
	assert.Equal(t, p.MinimumCost, r.MinimumCost)
	assert.Equal(t, "gradientDescent:iters=1000", r.Parameters)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "cpu", report.Device.Kind)
}

func TestHarness_ScenarioSmoothing(t *testing.T) {
	dev := newTestDevice(t)
	h := New(solver.NewNativeContext(dev, zap.NewNop()), dev, zap.NewNop(),
		WithTolerance(Tolerance{Absolute: 1e-5, Relative: 1e-4}))
	defer h.Close()

	grid := problem.GradientGrid(4, 4)
	weights := []float64{0.1, 0.05, 0.01, 0}
	for _, w := range weights {
		p, err := problem.ImageSmoothingFromGrid(dev, "", grid, 4, 4, w)
		require.NoError(t, err)
		h.AddProblem(p)
	}
	require.NoError(t, h.AddMethod(Method{Name: "lbfgs", Parameters: "lbfgs:iters=500,gradTol=1e-10"}))

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, len(weights))

	for i, r := range report.Results {
		assert.Equal(t, VerdictPass, r.Verdict, "weight %g: %s", weights[i], r.Detail)
		if i > 0 {
			assert.Less(t, r.AchievedCost, report.Results[i-1].AchievedCost,
				"cost must fall as the weight drops to %g", weights[i])
		}
	}

	// Without smoothing the result is the raw input
	last := h.Problems()[len(weights)-1]
	x, err := last.Images[0].ReadDevice(nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, grid, x, 1e-6)
	assert.InDelta(t, 0, report.Results[len(weights)-1].AchievedCost, 1e-10)
}

func TestHarness_MatrixCompleteness(t *testing.T) {
	dev := newTestDevice(t)
	h := New(solver.NewNativeContext(dev, zap.NewNop()), dev, zap.NewNop())
	defer h.Close()

	methods := []Method{
		{Name: "gd", Parameters: "gradientDescent:iters=1000"},
		{Name: "lbfgs", Parameters: "lbfgs"},
		{Name: "cg", Parameters: "cg:iters=500"},
	}
	for _, m := range methods {
		require.NoError(t, h.AddMethod(m))
	}
	for seed := uint64(1); seed <= 2; seed++ {
		p, err := problem.RandomQuadratic(dev, 6, seed)
		require.NoError(t, err)
		p.Name = fmt.Sprintf("q%d", seed)
		h.AddProblem(p)
	}
	p, err := problem.ImageSmoothingFromGrid(dev, "ramp", problem.GradientGrid(5, 3), 5, 3, 0.2)
	require.NoError(t, err)
	h.AddProblem(p)

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, len(methods)*3)

	// Problems outer, methods inner
	i := 0
	for _, name := range []string{"q1", "q2", "ramp"} {
		for _, m := range methods {
			assert.Equal(t, name, report.Results[i].Problem)
			assert.Equal(t, m.Name, report.Results[i].Method)
			assert.Equal(t, VerdictPass, report.Results[i].Verdict, "%s/%s: %s", name, m.Name, report.Results[i].Detail)
			i++
		}
	}
	assert.True(t, report.Summary().OK())
}

func TestHarness_MethodsStartFromSameInput(t *testing.T) {
	dev := newTestDevice(t)
	h := New(solver.NewNativeContext(dev, zap.NewNop()), dev, zap.NewNop())
	defer h.Close()

	p, err := problem.RandomQuadratic(dev, 4, 9)
	require.NoError(t, err)
	h.AddProblem(p)
	initial := append([]float32(nil), p.Images[0].Data()...)

	// One iteration cannot reach the minimum, so both runs only agree if
	// they start from the same values.
	for _, name := range []string{"first", "second"} {
		require.NoError(t, h.AddMethod(Method{Name: name, Parameters: "gradientDescent:iters=1"}))
	}

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, report.Results[0].AchievedCost, report.Results[1].AchievedCost)
	assert.Equal(t, initial, p.Images[0].Data(), "host mirror stays pristine")
}

func TestHarness_BindFailureSkipsRow(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	h := New(ctx, dev, zap.NewNop())

	bad, err := problem.RandomQuadratic(dev, 4, 1)
	require.NoError(t, err)
	bad.Name = "bad"
	good, err := problem.RandomQuadratic(dev, 3, 1)
	require.NoError(t, err)
	good.Name = "good"
	h.AddProblem(bad)
	h.AddProblem(good)
	require.NoError(t, h.AddMethod(Method{Name: "a", Parameters: "pa"}))
	require.NoError(t, h.AddMethod(Method{Name: "b", Parameters: "pb"}))

	ctx.On("LoadProblem", solver.SourceQuadratic, 4, 1).Return(nil).Once()
	ctx.On("Bind", solver.Host, 4, 1).Return(fmt.Errorf("%w: dimension mismatch", solver.ErrBinding)).Once()
	ctx.On("LoadProblem", solver.SourceQuadratic, 3, 1).Return(nil).Once()
	ctx.On("Bind", mock.Anything, 3, 1).Return(nil).Times(6)
	ctx.On("Solve", "pa").Return(solver.Status{Converged: true}, nil).Run(solveTo(t, dev, good)).Once()
	ctx.On("Solve", "pb").Return(solver.Status{}, nil).Once()
	ctx.On("Close").Return(nil).Once()

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, 4)

	for _, r := range report.Results[:2] {
		assert.Equal(t, "bad", r.Problem)
		assert.Equal(t, VerdictSkipped, r.Verdict)
		assert.Contains(t, r.Detail, "dimension mismatch")
	}
	assert.Equal(t, VerdictPass, report.Results[2].Verdict)
	assert.Equal(t, VerdictFail, report.Results[3].Verdict, "an untouched unknown is not the minimum")

	s := report.Summary()
	assert.Equal(t, Summary{Total: 4, Passed: 1, Failed: 1, Skipped: 2}, s)
	assert.False(t, s.OK())

	require.NoError(t, h.Close())
	ctx.AssertExpectations(t)
	assert.Equal(t, 0, dev.LiveAllocations(), "Close frees every problem")
}

func TestHarness_LoadFailureSkipsRow(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	h := New(ctx, dev, zap.NewNop())

	p, err := problem.RandomQuadratic(dev, 2, 1)
	require.NoError(t, err)
	h.AddProblem(p)
	require.NoError(t, h.AddMethod(Method{Name: "a"}))

	ctx.On("LoadProblem", solver.SourceQuadratic, 2, 1).Return(solver.ErrProgramNotFound)

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, VerdictSkipped, report.Results[0].Verdict)
	assert.True(t, math.IsNaN(report.Results[0].AchievedCost))
	ctx.AssertNotCalled(t, "Solve", mock.Anything)
}

func TestHarness_SolverErrorIsRecorded(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	h := New(ctx, dev, zap.NewNop())

	p, err := problem.RandomQuadratic(dev, 2, 1)
	require.NoError(t, err)
	h.AddProblem(p)
	require.NoError(t, h.AddMethod(Method{Name: "diverges", Parameters: "x"}))
	require.NoError(t, h.AddMethod(Method{Name: "works", Parameters: "y"}))

	ctx.On("LoadProblem", mock.Anything, 2, 1).Return(nil)
	ctx.On("Bind", mock.Anything, 2, 1).Return(nil)
	ctx.On("Solve", "x").Return(solver.Status{}, errors.New("diverged: cost NaN"))
	ctx.On("Solve", "y").Return(solver.Status{Converged: true, Iterations: 3}, nil).Run(solveTo(t, dev, p))

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, VerdictError, report.Results[0].Verdict)
	assert.Equal(t, "diverged: cost NaN", report.Results[0].Detail)
	assert.Equal(t, VerdictPass, report.Results[1].Verdict)
	assert.Equal(t, 3, report.Results[1].Iterations)
}

func TestHarness_DeviceErrorAborts(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	h := New(ctx, dev, zap.NewNop())

	first, err := problem.RandomQuadratic(dev, 2, 1)
	require.NoError(t, err)
	first.Name = "first"
	second, err := problem.RandomQuadratic(dev, 2, 2)
	require.NoError(t, err)
	second.Name = "second"
	h.AddProblem(first)
	h.AddProblem(second)
	require.NoError(t, h.AddMethod(Method{Name: "ok", Parameters: "ok"}))
	require.NoError(t, h.AddMethod(Method{Name: "boom", Parameters: "boom"}))

	ctx.On("LoadProblem", mock.Anything, 2, 1).Return(nil)
	ctx.On("Bind", mock.Anything, 2, 1).Return(nil)
	ctx.On("Solve", "ok").Return(solver.Status{}, nil)
	ctx.On("Solve", "boom").Return(solver.Status{}, fmt.Errorf("reading bound image 1: %w", gpu.ErrDevice))

	report, err := h.RunAllTests()
	require.Error(t, err)
	assert.ErrorIs(t, err, gpu.ErrDevice)
	assert.Contains(t, err.Error(), `problem "first", method "boom"`)

	require.NotNil(t, report)
	require.Len(t, report.Results, 1, "partial report up to the failing pair")
	assert.Equal(t, "ok", report.Results[0].Method)
	ctx.AssertNumberOfCalls(t, "LoadProblem", 1)
}

func TestHarness_HostResultIsScored(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	h := New(ctx, dev, zap.NewNop())
	defer h.Close()

	p, err := problem.RandomQuadratic(dev, 4, 11)
	require.NoError(t, err)
	h.AddProblem(p)
	initial := append([]float32(nil), p.Images[0].Data()...)
	require.NoError(t, h.AddMethod(Method{Name: "cpu", Parameters: "gaussNewtonCPU"}))
	require.NoError(t, h.AddMethod(Method{Name: "gpu", Parameters: "gaussNewtonGPU"}))

	ctx.On("LoadProblem", solver.SourceQuadratic, 4, 1).Return(nil)
	ctx.On("Bind", mock.Anything, 4, 1).Return(nil)
	ctx.On("Close").Return(nil)
	// The host solver writes the minimiser into the host view only.
	ctx.On("Solve", "gaussNewtonCPU").
		Return(solver.Status{Converged: true, Location: solver.Host}, nil).
		Run(func(mock.Arguments) { copy(p.Images[0].Data(), p.Images[1].Data()) })
	// The device solver leaves its start untouched.
	ctx.On("Solve", "gaussNewtonGPU").Return(solver.Status{Location: solver.Device}, nil)

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	assert.Equal(t, VerdictPass, report.Results[0].Verdict)
	assert.InDelta(t, p.MinimumCost, report.Results[0].AchievedCost, 1e-9)
	assert.Equal(t, VerdictFail, report.Results[1].Verdict, "second method starts from the populated values")
	assert.Equal(t, p.Cost(initial), report.Results[1].AchievedCost)
	assert.Equal(t, initial, p.Images[0].Data())

	x, err := p.Images[0].ReadDevice(nil)
	require.NoError(t, err)
	assert.Equal(t, initial, x)
}

func TestHarness_BuildFailureSkipsRow(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	h := New(ctx, dev, zap.NewNop())

	h.AddBuilder("smoothing#0", func() (*problem.Problem, error) {
		return nil, errors.New("loading image nope.png: no such file or directory")
	})
	builds := 0
	h.AddBuilder("quadratic#1", func() (*problem.Problem, error) {
		builds++
		return problem.RandomQuadratic(dev, 3, 5)
	})
	require.NoError(t, h.AddMethod(Method{Name: "a", Parameters: "pa"}))

	ctx.On("LoadProblem", solver.SourceQuadratic, 3, 1).Return(nil).Once()
	ctx.On("Bind", mock.Anything, 3, 1).Return(nil).Times(6)
	ctx.On("Solve", "pa").Return(solver.Status{}, nil).Once()
	ctx.On("Close").Return(nil).Once()

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	skipped := report.Results[0]
	assert.Equal(t, "smoothing#0", skipped.Problem)
	assert.Equal(t, VerdictSkipped, skipped.Verdict)
	assert.Contains(t, skipped.Detail, "nope.png")
	assert.True(t, math.IsNaN(skipped.MinimumCost))

	assert.Equal(t, "quadratic-3", report.Results[1].Problem)
	assert.Equal(t, 1, builds)
	require.Len(t, h.Problems(), 1)

	require.NoError(t, h.Close())
	ctx.AssertExpectations(t)
	assert.Equal(t, 0, dev.LiveAllocations(), "Close frees built problems")
}

func TestHarness_BuildAllocationFailureAborts(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	h := New(ctx, dev, zap.NewNop())

	h.AddBuilder("huge", func() (*problem.Problem, error) {
		return nil, fmt.Errorf("allocating image 0 (4096x4096): %w", gpu.ErrAllocation)
	})
	h.AddBuilder("never", func() (*problem.Problem, error) {
		t.Fatal("rows after a device failure must not be built")
		return nil, nil
	})
	require.NoError(t, h.AddMethod(Method{Name: "a"}))

	report, err := h.RunAllTests()
	assert.ErrorIs(t, err, gpu.ErrAllocation)
	assert.Contains(t, err.Error(), `problem "huge"`)
	require.NotNil(t, report)
	assert.Empty(t, report.Results)
	ctx.AssertNotCalled(t, "LoadProblem", mock.Anything, mock.Anything, mock.Anything)
}

func TestHarness_ProblemWithoutImagesIsSkipped(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	h := New(ctx, dev, zap.NewNop())

	h.AddProblem(&problem.Problem{
		Name:   "empty",
		Source: solver.SourceQuadratic,
		DimX:   1,
		DimY:   1,
		Cost:   func([]float32) float64 { return 0 },
	})
	require.NoError(t, h.AddMethod(Method{Name: "a"}))

	report, err := h.RunAllTests()
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, VerdictSkipped, report.Results[0].Verdict)
	assert.Contains(t, report.Results[0].Detail, "no images")
	ctx.AssertNotCalled(t, "LoadProblem", mock.Anything, mock.Anything, mock.Anything)
	ctx.AssertNotCalled(t, "Solve", mock.Anything)
}

func TestHarness_AddMethod(t *testing.T) {
	dev := newTestDevice(t)
	h := New(&mockContext{}, dev, nil)
	assert.Error(t, h.AddMethod(Method{Parameters: "lbfgs"}))
	assert.Empty(t, h.Methods())
}

func TestHarness_Close(t *testing.T) {
	dev := newTestDevice(t)
	ctx := &mockContext{}
	ctx.On("Close").Return(nil).Once()
	h := New(ctx, dev, zap.NewNop())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	ctx.AssertExpectations(t)

	_, err := h.RunAllTests()
	assert.Error(t, err)
}

func TestTolerance(t *testing.T) {
	tol := Tolerance{Absolute: 1e-3, Relative: 1e-2}
	assert.True(t, tol.Within(1.0005, 1))
	assert.True(t, tol.Within(1.0109, 1))
	assert.False(t, tol.Within(1.02, 1))
	assert.True(t, tol.Within(0.0009, 0))
	assert.False(t, tol.Within(math.NaN(), 0))
	assert.False(t, tol.Within(math.Inf(1), 0))
}

func TestReport(t *testing.T) {
	report := &Report{
		RunID:  "run-1",
		Device: gpu.DeviceInfo{Name: "CPU (amd64)", Kind: "cpu", TotalMemory: 1 << 30},
		Results: []Result{
			{Problem: "quadratic-4", Method: "gd", Verdict: VerdictPass, AchievedCost: 0.25, MinimumCost: 0.25, Iterations: 12},
			{Problem: "smoothing-4x4-w0.1", Method: "gd", Verdict: VerdictFail, AchievedCost: 1, MinimumCost: 0.06},
			{Problem: "missing", Method: "gd", Verdict: VerdictSkipped, AchievedCost: math.NaN(), Detail: "binding rejected"},
		},
	}

	t.Run("render", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, report.Render(&buf))
		out := buf.String()
		assert.Contains(t, out, "run-1")
		assert.Contains(t, out, "1.0 GiB")
		assert.Contains(t, out, "quadratic-4")
		assert.Contains(t, out, "smoothing-4x4-w0.1")
		assert.Contains(t, out, "skipped")
		assert.Contains(t, out, "3 pairs: 1 passed, 1 failed, 0 errors, 1 skipped")
	})

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "report.yaml")
		require.NoError(t, report.WriteYAML(path))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var decoded Report
		require.NoError(t, yaml.Unmarshal(data, &decoded))
		assert.Equal(t, "run-1", decoded.RunID)
		require.Len(t, decoded.Results, 3)
		assert.Equal(t, VerdictFail, decoded.Results[1].Verdict)
		assert.True(t, math.IsNaN(decoded.Results[2].AchievedCost))
		assert.Equal(t, report.Summary(), decoded.Summary())
	})
}
