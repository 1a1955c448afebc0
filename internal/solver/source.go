package solver

import (
	"fmt"
	"os"
)

// checkSourceFile verifies that a problem-description file exists and is
// a regular file. Compiling it needs a solver kind, which only Solve knows.
func checkSourceFile(source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProgramNotFound, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrProgramNotFound, source)
	}
	return nil
}

// checkUnknownShape rejects a first view of either location that does not
// cover the dimX by dimY variable grid. The first image bound per location
// is the unknown.
func checkUnknownShape(table *BindingTable, region Region, dimX, dimY int) error {
	if len(table.At(region.Location)) > 0 {
		return nil
	}
	if region.Width != dimX || region.Height != dimY {
		return fmt.Errorf("%w: unknown %s view is %dx%d, want %dx%d",
			ErrBinding, region.Location, region.Width, region.Height, dimX, dimY)
	}
	return nil
}
