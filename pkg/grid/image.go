package grid

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
)

// DefaultThreshold is the mean lightness above which a block counts as free floor.
const DefaultThreshold = 0.5

// ImageOptions controls how an arena image becomes a grid.
type ImageOptions struct {
	CellsX    int
	CellsY    int
	Threshold float64
	WidthCm   float64
	HeightCm  float64
}

// Load decodes a BMP or PNG arena image and converts it to a grid.
func Load(path string, opts ImageOptions) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open arena image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode arena image: %w", err)
	}
	return FromImage(img, opts)
}

// FromImage block-averages the lightness of img over CellsX x CellsY blocks.
// Blocks lighter than the threshold are free, darker ones are walls; a zero
// threshold means DefaultThreshold. Image rows run top to bottom, so they
// are flipped to keep y growing upward.
func FromImage(img image.Image, opts ImageOptions) (*Grid, error) {
	if opts.CellsX <= 0 || opts.CellsY <= 0 {
		return nil, fmt.Errorf("cell counts must be positive, got %dx%d", opts.CellsX, opts.CellsY)
	}
	switch {
	case opts.Threshold == 0:
		opts.Threshold = DefaultThreshold
	case opts.Threshold < 0 || opts.Threshold > 1:
		return nil, fmt.Errorf("threshold %g outside (0, 1]", opts.Threshold)
	}

	b := img.Bounds()
	bw, bh := b.Dx()/opts.CellsX, b.Dy()/opts.CellsY
	if bw == 0 || bh == 0 {
		return nil, fmt.Errorf("image %dx%d too small for %dx%d cells", b.Dx(), b.Dy(), opts.CellsX, opts.CellsY)
	}

	cells := make([][]bool, opts.CellsY)
	for row := 0; row < opts.CellsY; row++ {
		y := opts.CellsY - 1 - row
		cells[y] = make([]bool, opts.CellsX)
		for x := 0; x < opts.CellsX; x++ {
			rect := image.Rect(b.Min.X+x*bw, b.Min.Y+row*bh, b.Min.X+(x+1)*bw, b.Min.Y+(row+1)*bh)
			cells[y][x] = lightness(img, rect) <= opts.Threshold
		}
	}
	return New(cells, opts.WidthCm, opts.HeightCm)
}

func lightness(img image.Image, r image.Rectangle) float64 {
	sum := 0.0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			sum += float64(g.Y) / 0xffff
		}
	}
	return sum / float64(r.Dx()*r.Dy())
}
