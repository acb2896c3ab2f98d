package monitor

import (
	"fmt"
	"image/color"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/depthkit/internal/framesync"
	"github.com/banshee-data/depthkit/internal/security"
)

// syncPoints converts pairings to (frame time, delta ms), with frame time
// relative to the first pairing.
func syncPoints(pairings []framesync.Pairing) plotter.XYs {
	pts := make(plotter.XYs, len(pairings))
	if len(pairings) == 0 {
		return pts
	}
	t0 := pairings[0].FrameTimestamp
	for i, p := range pairings {
		pts[i] = plotter.XY{X: p.FrameTimestamp - t0, Y: p.Delta * 1000}
	}
	return pts
}

func (m *Monitor) pairings() ([]framesync.Pairing, float64) {
	pairings, tolerance := m.src.SyncPairings()
	if tolerance <= 0 {
		tolerance = framesync.DefaultTolerance
	}
	return pairings, tolerance
}

// WriteSyncChart renders recent pairing deltas as an interactive HTML chart.
func (m *Monitor) WriteSyncChart(w io.Writer) error {
	pairings, tolerance := m.pairings()
	pts := syncPoints(pairings)
	tolMs := tolerance * 1000

	data := make([]opts.ScatterData, len(pts))
	for i, p := range pts {
		data[i] = opts.ScatterData{Value: []interface{}{p.X, p.Y}}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Frame Sync", Theme: "dark", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Depth / color pairing delta",
			Subtitle: fmt.Sprintf("pairs=%d tolerance=±%.2fms", len(pts), tolMs),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -tolMs * 1.1, Max: tolMs * 1.1, Name: "delta (ms)", NameLocation: "middle", NameGap: 40}),
	)
	scatter.AddSeries("delta", data,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}),
		charts.WithMarkLineNameYAxisItemOpts(
			opts.MarkLineNameYAxisItem{Name: "+tolerance", YAxis: tolMs},
			opts.MarkLineNameYAxisItem{Name: "-tolerance", YAxis: -tolMs},
		),
	)
	return scatter.Render(w)
}

// syncPlot builds a static plot of pairing deltas with the tolerance band.
func (m *Monitor) syncPlot() (*plot.Plot, error) {
	pairings, tolerance := m.pairings()
	pts := syncPoints(pairings)
	tolMs := tolerance * 1000

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame sync deltas (%d pairs)", len(pts))
	p.X.Label.Text = "frame time (s)"
	p.Y.Label.Text = "delta (ms)"
	p.Y.Min, p.Y.Max = -tolMs*1.1, tolMs*1.1
	p.Add(plotter.NewGrid())

	xMax := 1.0
	if len(pts) > 0 && pts[len(pts)-1].X > 0 {
		xMax = pts[len(pts)-1].X
	}
	var band *plotter.Line
	for _, y := range []float64{tolMs, -tolMs} {
		l, err := plotter.NewLine(plotter.XYs{{X: 0, Y: y}, {X: xMax, Y: y}})
		if err != nil {
			return nil, err
		}
		l.Color = color.RGBA{R: 200, A: 255}
		l.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(l)
		band = l
	}
	p.Legend.Add("tolerance", band)

	if len(pts) > 0 {
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, err
		}
		s.GlyphStyle.Radius = vg.Points(1.5)
		s.GlyphStyle.Color = color.RGBA{B: 180, A: 255}
		p.Add(s)
		p.Legend.Add("pair", s)
	}
	p.Legend.Top = true
	return p, nil
}

// WriteSyncPlot writes the pairing plot as a PNG.
func (m *Monitor) WriteSyncPlot(w io.Writer) error {
	p, err := m.syncPlot()
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveSyncPlot writes the pairing plot to path; the format follows the
// extension.
func (m *Monitor) SaveSyncPlot(path string) error {
	if err := security.CheckOutputFile(path); err != nil {
		return err
	}
	p, err := m.syncPlot()
	if err != nil {
		return err
	}
	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save sync plot: %w", err)
	}
	return nil
}
