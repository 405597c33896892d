// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package costplot collects the costs reported during the style transfer optimization, and renders them
// as a table, as a JSON-lines file of points, or as a PNG chart.
package costplot

import (
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

const (
	// PointsFileName is the default name of the file with the cost points, saved in the output directory.
	PointsFileName = "cost_points.json"

	// PlotFileName is the default name of the chart with the costs, saved in the output directory.
	PlotFileName = "costs.png"
)

// Names of the costs recorded.
const (
	Total   = "total"
	Content = "content"
	Style   = "style"
)

// CostNames in the order they are displayed.
var CostNames = []string{Total, Content, Style}

// Point is one cost value, measured at the given iteration.
type Point struct {
	Iteration int     `json:"iteration"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
}

// History of cost points. It is safe for concurrent use.
type History struct {
	mu     sync.Mutex
	points []Point
}

// NewHistory creates an empty History, or one pre-populated with the given points.
func NewHistory(points ...Point) *History {
	return &History{points: slices.Clone(points)}
}

// AddPoint appends the point to the history.
func (h *History) AddPoint(p Point) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, p)
}

// Add the total, content and style costs measured at the iteration.
func (h *History) Add(iteration int, total, content, style float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points,
		Point{Iteration: iteration, Name: Total, Value: total},
		Point{Iteration: iteration, Name: Content, Value: content},
		Point{Iteration: iteration, Name: Style, Value: style})
}

// Points returns a copy of the points, in the order they were added.
func (h *History) Points() []Point {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.points)
}

// Iterations returns the sorted list of iterations with points.
func (h *History) Iterations() []int {
	var iterations []int
	for _, p := range h.Points() {
		if !slices.Contains(iterations, p.Iteration) {
			iterations = append(iterations, p.Iteration)
		}
	}
	slices.Sort(iterations)
	return iterations
}

// Last returns the last value of the named cost, and whether there was one.
func (h *History) Last(name string) (value float64, found bool) {
	points := h.Points()
	for ii := len(points) - 1; ii >= 0; ii-- {
		if points[ii].Name == name {
			return points[ii].Value, true
		}
	}
	return 0, false
}

// Table returns a table with one row per iteration and one column per cost.
func (h *History) Table() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	table.Headers(append([]string{"Iteration"}, CostNames...)...)

	points := h.Points()
	for _, iteration := range h.Iterations() {
		row := make([]string, 1+len(CostNames))
		row[0] = fmt.Sprintf("%d", iteration)
		for _, p := range points {
			if p.Iteration != iteration {
				continue
			}
			if idx := slices.Index(CostNames, p.Name); idx >= 0 {
				row[idx+1] = fmt.Sprintf("%.6g", p.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer, it returns the Table.
func (h *History) String() string {
	return h.Table()
}

// SavePoints writes the points as JSON lines (one JSON object per line) to filePath.
func (h *History) SavePoints(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create cost points file %q", filePath)
	}
	enc := json.NewEncoder(f)
	for _, p := range h.Points() {
		if err = enc.Encode(p); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode cost point %+v", p)
		}
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close cost points file %q", filePath)
	}
	return nil
}

// LoadPoints reads the points saved with History.SavePoints.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open cost points file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var p Point
		err = dec.Decode(&p)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed decoding cost points file %q", filePath)
		}
		points = append(points, p)
	}
	return points, nil
}

var lineColors = map[string]color.Color{
	Total:   color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	Content: color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	Style:   color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
}

// SavePlot renders the costs as a line chart in PNG format (or any other format supported by
// gonum/plot, chosen by the file extension) to filePath.
//
// The Y-axis uses a log scale if all values are positive, since costs drop by orders of magnitude.
func (h *History) SavePlot(filePath string) error {
	points := h.Points()
	if len(points) == 0 {
		return errors.New("no cost points to plot")
	}
	p := plot.New()
	p.Title.Text = "Style transfer costs"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "cost"
	p.Add(plotter.NewGrid())

	allPositive := true
	for _, pt := range points {
		if pt.Value <= 0 {
			allPositive = false
			break
		}
	}
	if allPositive {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}

	for _, name := range CostNames {
		var xys plotter.XYs
		for _, pt := range points {
			if pt.Name == name {
				xys = append(xys, plotter.XY{X: float64(pt.Iteration), Y: pt.Value})
			}
		}
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "failed to plot %s cost", name)
		}
		line.Color = lineColors[name]
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true

	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory %q for plot", dir)
		}
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	klog.V(1).Infof("saved cost plot to %q", filePath)
	return nil
}
