package sim

import (
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// NewTrajectoryPlot creates a plot of one state variable over time from the
// three data sources:
//
//	truth:    true state values, one time step per row
//	measured: measured values, one time step per row; NaN marks steps
//	          without a measurement
//	estimate: estimated state values, one time step per row
//
// The col argument selects the plotted column of truth and estimate; the
// first column of measured is plotted. It returns error if either of the
// supplied data matrices is nil or the column is out of range.
func NewTrajectoryPlot(truth, measured, estimate *mat.Dense, col int) (*plot.Plot, error) {
	if truth == nil || measured == nil || estimate == nil {
		return nil, fmt.Errorf("invalid data supplied")
	}

	_, tc := truth.Dims()
	_, ec := estimate.Dims()
	if col < 0 || col >= tc || col >= ec {
		return nil, fmt.Errorf("invalid data column: %d", col)
	}

	p := plot.New()

	p.Title.Text = "Simulation"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "x"

	legend := plot.NewLegend()
	legend.Top = true
	p.Legend = legend

	truthLine, err := plotter.NewLine(makeSeries(truth, col))
	if err != nil {
		return nil, err
	}
	truthLine.Color = color.RGBA{A: 255}

	p.Add(truthLine)
	p.Legend.Add("truth", truthLine)

	measData := makeSeries(measured, 0)
	measScatter, err := plotter.NewScatter(measData)
	if err != nil {
		return nil, err
	}
	measScatter.GlyphStyle.Color = color.RGBA{G: 255, A: 128}
	measScatter.Shape = draw.CrossGlyph{}
	measScatter.GlyphStyle.Radius = vg.Points(3)

	p.Add(measScatter)
	p.Legend.Add("measurement", measScatter)

	estLine, err := plotter.NewLine(makeSeries(estimate, col))
	if err != nil {
		return nil, fmt.Errorf("failed to create estimate line: %v", err)
	}
	estLine.Color = color.RGBA{R: 255, B: 128, A: 255}

	p.Add(estLine)
	p.Legend.Add("estimate", estLine)

	return p, nil
}

// makeSeries turns one column of m into plot points with the row number on
// the X axis. Rows holding NaN are skipped.
func makeSeries(m *mat.Dense, col int) plotter.XYs {
	r, _ := m.Dims()
	pts := make(plotter.XYs, 0, r)
	for i := 0; i < r; i++ {
		v := m.At(i, col)
		if v != v {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i), Y: v})
	}
	return pts
}
