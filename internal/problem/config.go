package problem

import (
	"fmt"

	"github.com/fxnlabs/optbench/internal/config"
	"github.com/fxnlabs/optbench/internal/gpu"
)

// FromConfig builds the problem described by pc.
func FromConfig(dev gpu.Device, pc config.ProblemConfig) (*Problem, error) {
	var p *Problem
	var err error

	switch pc.Kind {
	case config.ProblemQuadratic:
		p, err = RandomQuadratic(dev, pc.Count, pc.Seed)
	case config.ProblemSmoothing:
		switch {
		case pc.Image != "":
			p, err = ImageSmoothing(dev, pc.Image, pc.Weight)
		case pc.Synthetic == config.SyntheticGradient:
			p, err = ImageSmoothingFromGrid(dev, "", GradientGrid(pc.Width, pc.Height), pc.Width, pc.Height, pc.Weight)
		default:
			err = fmt.Errorf("unknown synthetic image %q", pc.Synthetic)
		}
	default:
		err = fmt.Errorf("unknown problem kind %q", pc.Kind)
	}
	if err != nil {
		return nil, err
	}

	if pc.Name != "" {
		p.Name = pc.Name
	}
	return p, nil
}
