// Package visualiser renders the global map for human inspection: an
// interactive HTML scatter of all trajectories and a static PNG of the
// same data. Rendering is best-effort; callers log failures and move on.
package visualiser

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/maxmars1/maplab/internal/monitoring"
	"github.com/maxmars1/maplab/internal/vimap"
)

// trajectoryColors cycles across robots in the PNG render.
var trajectoryColors = []color.RGBA{
	{R: 220, G: 50, B: 47, A: 255},
	{R: 38, G: 139, B: 210, A: 255},
	{R: 133, G: 153, B: 0, A: 255},
	{R: 181, G: 137, B: 0, A: 255},
	{R: 108, G: 113, B: 196, A: 255},
	{R: 42, G: 161, B: 152, A: 255},
}

// Visualiser renders map snapshots into an output directory.
type Visualiser struct{}

// New creates a Visualiser.
func New() *Visualiser {
	return &Visualiser{}
}

// Render writes both the HTML and PNG views of the snapshot into outDir,
// in a subfolder named after the map version and render time.
func (v *Visualiser) Render(sn vimap.Snapshot, outDir string) error {
	dir := filepath.Join(outDir, fmt.Sprintf("%d-v%d", time.Now().Unix(), sn.Version))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create visualization dir: %w", err)
	}
	if err := v.RenderHTML(sn, filepath.Join(dir, "map.html")); err != nil {
		return err
	}
	if err := v.RenderPNG(sn, filepath.Join(dir, "map.png")); err != nil {
		return err
	}
	monitoring.Logf("[Visualiser] Rendered map version %d into '%s'", sn.Version, dir)
	return nil
}

// RenderHTML writes an interactive scatter of all robot trajectories,
// one series per robot, X/Y in the global frame.
func (v *Visualiser) RenderHTML(sn vimap.Snapshot, path string) error {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Global Map", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Global Map Trajectories",
			Subtitle: fmt.Sprintf("version=%d robots=%d landmarks=%d", sn.Version, len(sn.Robots()), sn.LandmarkCount()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	for _, robot := range sn.Robots() {
		poses := sn.TrajectoryPoses(robot)
		data := make([]opts.ScatterData, 0, len(poses))
		for _, p := range poses {
			data = append(data, opts.ScatterData{Value: []interface{}{p.Position.X, p.Position.Y}})
		}
		scatter.AddSeries(robot, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	defer f.Close()
	if err := scatter.Render(f); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}

// RenderPNG writes a static XY plot with one line per robot trajectory.
func (v *Visualiser) RenderPNG(sn vimap.Snapshot, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Global Map (version %d)", sn.Version)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	for i, robot := range sn.Robots() {
		poses := sn.TrajectoryPoses(robot)
		pts := make(plotter.XYs, 0, len(poses))
		for _, pose := range poses {
			pts = append(pts, plotter.XY{X: pose.Position.X, Y: pose.Position.Y})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = trajectoryColors[i%len(trajectoryColors)]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(robot, line)
	}

	if err := p.Save(10*vg.Inch, 10*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
