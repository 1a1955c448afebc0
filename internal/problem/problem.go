// Package problem builds synthetic optimization problems whose minimum
// cost is known, for validating solvers.
package problem

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/optbench/internal/dataimage"
	"github.com/fxnlabs/optbench/internal/gpu"
)

// Problem is a named solver program instance with its images. Images[0] is
// the unknown; the order of Images is the binding order the program expects.
type Problem struct {
	Name   string
	Source string
	DimX   int
	DimY   int
	Images []*dataimage.Image

	// MinimumCost is the cost at the true minimiser.
	MinimumCost float64
	// Cost evaluates the objective at a flat row-major unknown.
	Cost func(x []float32) float64
}

// Free releases the device memory of every image.
func (p *Problem) Free() error {
	var errs []error
	for _, im := range p.Images {
		errs = append(errs, im.Free())
	}
	return errors.Join(errs...)
}

// newImages allocates one image per shape and fills it from data.
// On failure the images allocated so far are released.
func newImages(dev gpu.Device, shapes [][2]int, data [][]float32) ([]*dataimage.Image, error) {
	images := make([]*dataimage.Image, 0, len(shapes))
	for i, s := range shapes {
		im := dataimage.New(dev)
		if err := im.Allocate(s[0], s[1]); err != nil {
			for _, prev := range images {
				_ = prev.Free()
			}
			return nil, fmt.Errorf("allocating image %d (%dx%d): %w", i, s[0], s[1], err)
		}
		copy(im.Data(), data[i])
		images = append(images, im)
	}
	return images, nil
}
