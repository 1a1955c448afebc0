package dataimage

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// LoadGray decodes the image file at path and returns its luminance as a
// row-major grid of intensities in [0, 1].
func LoadGray(path string) (grid []float32, width, height int, err error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("loading image %s: %w", path, err)
	}
	grid, width, height = Gray(img)
	return grid, width, height, nil
}

// Gray converts img to a row-major grid of intensities in [0, 1].
func Gray(img image.Image) (grid []float32, width, height int) {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	width, height = bounds.Dx(), bounds.Dy()
	grid = make([]float32, width*height)
	for y := 0; y < height; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+width*4]
		for x := 0; x < width; x++ {
			grid[y*width+x] = float32(row[x*4]) / 255
		}
	}
	return grid, width, height
}
