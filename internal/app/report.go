package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/samber/lo"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/born-ml/roadseg/internal/nn"
)

// VariableTable renders one row per parameter of store with its shape,
// element count and whether it was loaded from the backbone bundle.
func VariableTable(store *nn.ParameterStore, loaded []*nn.Parameter) string {
	fromBundle := lo.SliceToMap(loaded, func(p *nn.Parameter) (string, bool) { return p.Name(), true })

	t := table.NewWriter()
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"#", "Name", "Shape", "Elements", "Source"})
	for i, p := range store.Params() {
		source := "initialized"
		if fromBundle[p.Name()] {
			source = "bundle"
		}
		t.AppendRow(table.Row{i + 1, p.Name(), p.Shape().String(), p.Value().NumElements(), source})
	}
	t.AppendFooter(table.Row{"", "Total", "", nn.NumElements(store.Params()), fmt.Sprintf("%d loaded", len(loaded))})
	return t.Render()
}

// PlotLosses saves the per-epoch loss curve as an image; the format follows
// the file extension.
func PlotLosses(path string, losses []float64) error {
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Cross-entropy"

	pts := make(plotter.XYs, len(losses))
	for i, l := range losses {
		pts[i].X = float64(i)
		pts[i].Y = l
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("plot losses: %w", err)
	}
	p.Add(line, plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // logs directory
		return fmt.Errorf("plot losses: %w", err)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("plot losses: %w", err)
	}
	return nil
}
