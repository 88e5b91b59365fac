package main

import (
	"fmt"
	"math"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/khepera/pkg/avoid"
	"github.com/gwillem/khepera/pkg/explore"
	"github.com/gwillem/khepera/pkg/grid"
	"github.com/gwillem/khepera/pkg/odometry"
	"github.com/gwillem/khepera/pkg/sensor"
)

const (
	headerHeight = 2 // title + blank line
	statusHeight = 2 // status row + legend
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // panel border
)

var frontSensors = []struct {
	index int
	color string
}{
	{sensor.LeftDiagonal, "196"},
	{sensor.FrontLeft, "208"},
	{sensor.FrontRight, "46"},
	{sensor.RightDiagonal, "51"},
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	wallStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	particleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	robotStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	homeStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	foodStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("201"))
)

type dashboardModel struct {
	ctrl      *explore.Controller
	grid      *grid.Grid
	rec       *recorder
	interrupt func()
	chart     *streamlinechart.Model
	width     int
	height    int
	logs      []string
	state     *explore.State
	stopping  bool
	done      bool
	err       error
}

// Messages from the controller
type stateMsg explore.State
type logMsg string
type doneMsg struct{ err error }

func waitForState(ctrl *explore.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *explore.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

func newDashboard(ctrl *explore.Controller, s *session, rec *recorder, interrupt func()) dashboardModel {
	chart := streamlinechart.New(40, 12,
		streamlinechart.WithYRange(0, sensor.DefaultMaxCm),
	)
	for _, fs := range frontSensors {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(fs.color))
		chart.SetDataSetStyles(sensorNames[fs.index], runes.ThinLineStyle, style)
	}
	return dashboardModel{
		ctrl:      ctrl,
		grid:      s.grid,
		rec:       rec,
		interrupt: interrupt,
		chart:     &chart,
	}
}

func (m *dashboardModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// panelSizes splits the terminal between the arena map and the chart. The
// map keeps the arena's aspect ratio with two columns per row unit.
func (m *dashboardModel) panelSizes() (mapW, mapH, chartW, chartH int) {
	width, height := m.width, m.height
	if width == 0 || height == 0 {
		width, height = 120, 36
	}
	avail := height - headerHeight - statusHeight - footerHeight - borderSize
	avail = max(avail, 8)

	cx, cy := m.grid.Size()
	cw, ch := m.grid.CellSize()
	aspect := float64(cx) * cw / (float64(cy) * ch)

	mapW = min(width*3/5-borderSize, int(float64(avail)*aspect*2))
	mapW = max(mapW, 20)
	mapH = max(int(float64(mapW)/aspect/2), 5)
	chartW = max(width-mapW-2*borderSize-2, 20)
	chartH = mapH
	return mapW, mapH, chartW, chartH
}

func (m *dashboardModel) resizeChart() {
	_, _, w, h := m.panelSizes()
	m.chart.Resize(w, h)
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			if !m.stopping {
				m.stopping = true
				m.addLog("Stopping search, press again to abort homing")
			} else {
				m.addLog("Aborting")
			}
			m.interrupt()
		case "f":
			p := m.ctrl.MarkFood()
			m.addLog(fmt.Sprintf("Food at (%.1f, %.1f)", p.X, p.Y))
		}

	case stateMsg:
		state := explore.State(msg)
		m.state = &state
		m.rec.add()
		if state.Reading.OK {
			for _, fs := range frontSensors {
				d := math.Min(state.Reading.Distances[fs.index], sensor.DefaultMaxCm)
				m.chart.PushDataSet(sensorNames[fs.index], d)
			}
			m.chart.DrawAll()
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)

	case doneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m dashboardModel) View() string {
	if m.done {
		return ""
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Khepera Explore"))
	sb.WriteString(fmt.Sprintf(" - %g Hz", m.ctrl.Hz()))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n\n")

	mapW, mapH, _, _ := m.panelSizes()
	arena := renderArena(m.grid, m.state, m.ctrl.Motion().Home(), mapW, mapH)
	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(arena),
		panelStyle.Render(m.chart.View()),
	))
	sb.WriteString("\n")

	sb.WriteString(m.renderStatus())
	sb.WriteString("\n")
	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9"))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'f' to mark food, 'q' to return home")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m dashboardModel) renderStatus() string {
	if m.state == nil {
		return statusStyle.Render("waiting for the first reading")
	}
	st := m.state
	est := st.Estimate
	status := fmt.Sprintf("%-6s  x %6.1f  y %6.1f  θ %5.1f°  σ %4.1f/%4.1f  ESS %5.1f  %s",
		st.Mode, st.Pose.X, st.Pose.Y, st.Pose.Heading,
		math.Sqrt(est.VarX), math.Sqrt(est.VarY), est.ESS, st.Decision.Action)
	if st.Decision.Wall != avoid.None {
		status += fmt.Sprintf(" (wall %s)", st.Decision.Wall)
	}
	if len(st.Foods) > 0 {
		status += fmt.Sprintf("  food %d", len(st.Foods))
	}
	if st.Error != nil {
		status += "  " + errorStyle.Render(st.Error.Error())
	}
	return status
}

func renderLegend() string {
	var items []string
	for _, fs := range frontSensors {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(fs.color)).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+sensorNames[fs.index])
	}
	items = append(items,
		robotStyle.Render("↑")+" robot",
		particleStyle.Render("·")+" particles",
		homeStyle.Render("H")+" home",
		foodStyle.Render("*")+" food",
	)
	return strings.Join(items, "  ")
}

// renderArena draws the grid at w×h characters with the latest particles,
// estimate, home and food marks on top. Row 0 is the far wall.
func renderArena(g *grid.Grid, st *explore.State, home odometry.Pose, w, h int) string {
	cx, cy := g.Size()
	cw, ch := g.CellSize()
	widthCm, heightCm := float64(cx)*cw, float64(cy)*ch

	canvas := make([][]string, h)
	for row := range canvas {
		canvas[row] = make([]string, w)
		y0 := (h - 1 - row) * cy / h
		y1 := max((h-row)*cy/h, y0+1)
		for col := range canvas[row] {
			x0 := col * cx / w
			x1 := max((col+1)*cx/w, x0+1)
			canvas[row][col] = " "
			if blockOccupied(g, x0, x1, y0, y1) {
				canvas[row][col] = wallStyle.Render("█")
			}
		}
	}

	put := func(x, y float64, s string) {
		col := int(x / widthCm * float64(w))
		row := h - 1 - int(y/heightCm*float64(h))
		if col >= 0 && col < w && row >= 0 && row < h {
			canvas[row][col] = s
		}
	}

	if st != nil {
		for _, p := range st.Particles {
			put(p.X, p.Y, particleStyle.Render("·"))
		}
	}
	put(home.X, home.Y, homeStyle.Render("H"))
	if st != nil {
		for _, f := range st.Foods {
			put(f.X, f.Y, foodStyle.Render("*"))
		}
		put(st.Pose.X, st.Pose.Y, robotStyle.Render(headingArrow(st.Pose.Heading)))
	}

	lines := make([]string, h)
	for row := range canvas {
		lines[row] = strings.Join(canvas[row], "")
	}
	return strings.Join(lines, "\n")
}

func blockOccupied(g *grid.Grid, x0, x1, y0, y1 int) bool {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if g.Occupied(x, y) {
				return true
			}
		}
	}
	return false
}

func headingArrow(deg float64) string {
	arrows := []string{"→", "↗", "↑", "↖", "←", "↙", "↓", "↘"}
	i := int(odometry.NormalizeDegrees(deg+22.5)/45) % len(arrows)
	return arrows[i]
}
