package solver

import (
	"fmt"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/optimize"
)

// Methods understood by the native solver.
const (
	MethodGradientDescent = "gradientDescent"
	MethodLBFGS           = "lbfgs"
	MethodBFGS            = "bfgs"
	MethodCG              = "cg"
	MethodNelderMead      = "nelderMead"
)

// Params is a parsed native solver parameter string of the form
// "method:key=value,...". Keys are iters, evals and gradTol.
type Params struct {
	Method            string
	Iterations        int
	Evaluations       int
	GradientThreshold float64
}

// DefaultParams is used for an empty parameter string.
var DefaultParams = Params{
	Method:            MethodLBFGS,
	Iterations:        1000,
	GradientThreshold: 1e-8,
}

// ParseParams parses a native solver parameter string.
func ParseParams(s string) (Params, error) {
	p := DefaultParams
	s = strings.TrimSpace(s)
	if s == "" {
		return p, nil
	}

	method, rest, _ := strings.Cut(s, ":")
	if method != "" {
		p.Method = method
	}
	if _, err := p.optimizer(); err != nil {
		return p, err
	}

	for _, kv := range strings.Split(rest, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return p, fmt.Errorf("parameter %q: expected key=value", kv)
		}
		switch key {
		case "iters":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return p, fmt.Errorf("parameter iters: invalid value %q", value)
			}
			p.Iterations = n
		case "evals":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return p, fmt.Errorf("parameter evals: invalid value %q", value)
			}
			p.Evaluations = n
		case "gradTol":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f < 0 {
				return p, fmt.Errorf("parameter gradTol: invalid value %q", value)
			}
			p.GradientThreshold = f
		default:
			return p, fmt.Errorf("unknown parameter %q", key)
		}
	}
	return p, nil
}

func (p Params) optimizer() (optimize.Method, error) {
	switch p.Method {
	case MethodGradientDescent:
		return &optimize.GradientDescent{}, nil
	case MethodLBFGS:
		return &optimize.LBFGS{}, nil
	case MethodBFGS:
		return &optimize.BFGS{}, nil
	case MethodCG:
		return &optimize.CG{}, nil
	case MethodNelderMead:
		return &optimize.NelderMead{}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", p.Method)
	}
}

func (p Params) settings() *optimize.Settings {
	return &optimize.Settings{
		MajorIterations:   p.Iterations,
		FuncEvaluations:   p.Evaluations,
		GradientThreshold: p.GradientThreshold,
	}
}
