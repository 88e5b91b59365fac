// Package trace renders a run's trajectory over the arena, the way the
// forward and return paths were drawn after every hunt.
package trace

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/gwillem/khepera/pkg/filter"
	"github.com/gwillem/khepera/pkg/grid"
	"github.com/gwillem/khepera/pkg/odometry"
)

var (
	wallColor     = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	estimateColor = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	odometryColor = color.RGBA{R: 30, G: 30, B: 200, A: 255}
	truthColor    = color.RGBA{R: 30, G: 150, B: 30, A: 255}
	particleColor = color.RGBA{R: 230, G: 140, B: 0, A: 120}
	foodColor     = color.RGBA{R: 140, G: 0, B: 160, A: 255}
)

// Run is everything that can be drawn for one run. Only Trail is required.
type Run struct {
	Title string
	Grid  *grid.Grid
	// Trail is the corrected estimate after every primitive.
	Trail []odometry.Pose
	// Odometry is the pure dead-reckoning path replayed from the move log.
	Odometry []odometry.Pose
	// Truth is the simulator's pose, when known.
	Truth     []odometry.Pose
	Particles []filter.Particle
	Foods     []odometry.Pose
	Home      *odometry.Pose
}

// Plot builds the trajectory plot.
func Plot(r Run) (*plot.Plot, error) {
	if len(r.Trail) == 0 {
		return nil, fmt.Errorf("nothing to plot: empty trail")
	}

	p := plot.New()
	p.Title.Text = r.Title
	if p.Title.Text == "" {
		p.Title.Text = "Trajectory"
	}
	p.X.Label.Text = "x (cm)"
	p.Y.Label.Text = "y (cm)"
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if r.Grid != nil {
		if err := addWalls(p, r.Grid); err != nil {
			return nil, err
		}
	}
	if len(r.Particles) > 0 {
		pts := make(plotter.XYs, len(r.Particles))
		for i, pt := range r.Particles {
			pts[i] = plotter.XY{X: pt.X, Y: pt.Y}
		}
		if err := addScatter(p, "particles", pts, particleColor, draw.CircleGlyph{}, 1); err != nil {
			return nil, err
		}
	}

	paths := []struct {
		name  string
		poses []odometry.Pose
		color color.Color
	}{
		{"odometry", r.Odometry, odometryColor},
		{"truth", r.Truth, truthColor},
		{"estimate", r.Trail, estimateColor},
	}
	for _, path := range paths {
		if len(path.poses) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys(path.poses))
		if err != nil {
			return nil, fmt.Errorf("%s path: %w", path.name, err)
		}
		line.Color = path.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(path.name, line)
	}

	if len(r.Foods) > 0 {
		if err := addScatter(p, "food", xys(r.Foods), foodColor, draw.TriangleGlyph{}, 4); err != nil {
			return nil, err
		}
	}
	start := r.Trail[0]
	if err := addScatter(p, "start", xys([]odometry.Pose{start}), estimateColor, draw.CircleGlyph{}, 5); err != nil {
		return nil, err
	}
	if r.Home != nil {
		if err := addScatter(p, "home", xys([]odometry.Pose{*r.Home}), truthColor, draw.BoxGlyph{}, 5); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Save renders the run to path. The extension picks the format (png, svg,
// pdf).
func Save(r Run, path string) error {
	p, err := Plot(r)
	if err != nil {
		return err
	}
	width := 8 * vg.Inch
	height := 6 * vg.Inch
	if r.Grid != nil {
		cx, cy := r.Grid.Size()
		cw, ch := r.Grid.CellSize()
		height = width * vg.Length(float64(cy)*ch/(float64(cx)*cw))
	}
	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("save trace %s: %w", path, err)
	}
	return nil
}

func addWalls(p *plot.Plot, g *grid.Grid) error {
	w, h := g.Size()
	var pts plotter.XYs
	for cy := 0; cy < h; cy++ {
		for cx := 0; cx < w; cx++ {
			if g.Occupied(cx, cy) {
				x, y := g.CellToCm(cx, cy)
				pts = append(pts, plotter.XY{X: x, Y: y})
			}
		}
	}
	cw, ch := g.CellSize()
	p.X.Min, p.X.Max = 0, float64(w)*cw
	p.Y.Min, p.Y.Max = 0, float64(h)*ch
	if len(pts) == 0 {
		return nil
	}
	return addScatter(p, "", pts, wallColor, draw.BoxGlyph{}, 1)
}

func addScatter(p *plot.Plot, name string, pts plotter.XYs, c color.Color, shape draw.GlyphDrawer, radius float64) error {
	s, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("%s points: %w", name, err)
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Shape = shape
	s.GlyphStyle.Radius = vg.Points(radius)
	p.Add(s)
	if name != "" {
		p.Legend.Add(name, s)
	}
	return nil
}

func xys(poses []odometry.Pose) plotter.XYs {
	pts := make(plotter.XYs, len(poses))
	for i, pose := range poses {
		pts[i] = plotter.XY{X: pose.X, Y: pose.Y}
	}
	return pts
}
