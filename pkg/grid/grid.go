// Package grid provides the static occupancy grid of the arena and the
// raycasting used as the expected-range sensor model.
package grid

import (
	"fmt"
	"math"
)

// MaxRaySteps bounds the length of a raycast in cells.
const MaxRaySteps = 1000

// Grid is an immutable 2D occupancy grid covering the arena.
// Cell (0, 0) is the bottom-left corner of the arena.
type Grid struct {
	width, height int
	occupied      []bool
	cellW, cellH  float64 // centimetres per cell
}

// New builds a grid from rows of cells indexed cells[y][x], where true marks
// an occupied cell. The arena size in centimetres fixes the cell pitch.
func New(cells [][]bool, widthCm, heightCm float64) (*Grid, error) {
	if len(cells) == 0 || len(cells[0]) == 0 {
		return nil, fmt.Errorf("grid must have at least one cell")
	}
	if widthCm <= 0 || heightCm <= 0 {
		return nil, fmt.Errorf("arena size must be positive, got %vx%v cm", widthCm, heightCm)
	}

	height, width := len(cells), len(cells[0])
	g := &Grid{
		width:    width,
		height:   height,
		occupied: make([]bool, width*height),
		cellW:    widthCm / float64(width),
		cellH:    heightCm / float64(height),
	}
	for y, row := range cells {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d cells, want %d", y, len(row), width)
		}
		copy(g.occupied[y*width:], row)
	}
	return g, nil
}

// Size returns the grid dimensions in cells.
func (g *Grid) Size() (width, height int) {
	return g.width, g.height
}

// CellSize returns the cell pitch in centimetres.
func (g *Grid) CellSize() (w, h float64) {
	return g.cellW, g.cellH
}

// InBounds reports whether the cell lies inside the grid.
func (g *Grid) InBounds(cx, cy int) bool {
	return cx >= 0 && cy >= 0 && cx < g.width && cy < g.height
}

// Occupied reports whether a cell is blocked. Cells outside the grid count
// as occupied.
func (g *Grid) Occupied(cx, cy int) bool {
	if !g.InBounds(cx, cy) {
		return true
	}
	return g.occupied[cy*g.width+cx]
}

// CmToCell converts arena coordinates in centimetres to a cell index.
func (g *Grid) CmToCell(x, y float64) (int, int) {
	return int(math.Floor(x / g.cellW)), int(math.Floor(y / g.cellH))
}

// CellToCm returns the centre of a cell in centimetres.
func (g *Grid) CellToCm(cx, cy int) (float64, float64) {
	return (float64(cx) + 0.5) * g.cellW, (float64(cy) + 0.5) * g.cellH
}

// DistanceToCollision marches a ray from a cell at angleDeg (counter-clockwise
// from +x) in unit steps and returns the first step count that lands on an
// occupied cell or leaves the grid. A ray that never collides returns
// MaxRaySteps.
func (g *Grid) DistanceToCollision(cx, cy int, angleDeg float64) int {
	sin, cos := math.Sincos(angleDeg * math.Pi / 180)
	x0, y0 := float64(cx), float64(cy)
	for i := 1; i < MaxRaySteps; i++ {
		step := float64(i)
		nx := int(math.Round(x0 + step*cos))
		ny := int(math.Round(y0 + step*sin))
		if g.Occupied(nx, ny) {
			return i
		}
	}
	return MaxRaySteps
}

// RangeCm is the expected distance in centimetres from an arena position to
// the nearest obstacle along angleDeg. The step count is scaled by the cell
// pitch along the ray direction.
func (g *Grid) RangeCm(x, y, angleDeg float64) float64 {
	cx, cy := g.CmToCell(x, y)
	steps := g.DistanceToCollision(cx, cy, angleDeg)
	sin, cos := math.Sincos(angleDeg * math.Pi / 180)
	return float64(steps) * math.Hypot(g.cellW*cos, g.cellH*sin)
}

// Walled returns an empty arena enclosed by a one-cell wall.
func Walled(cellsX, cellsY int, widthCm, heightCm float64) (*Grid, error) {
	if cellsX < 3 || cellsY < 3 {
		return nil, fmt.Errorf("walled arena needs at least 3x3 cells, got %dx%d", cellsX, cellsY)
	}
	cells := make([][]bool, cellsY)
	for y := range cells {
		cells[y] = make([]bool, cellsX)
		for x := range cells[y] {
			cells[y][x] = x == 0 || y == 0 || x == cellsX-1 || y == cellsY-1
		}
	}
	return New(cells, widthCm, heightCm)
}
