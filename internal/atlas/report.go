package atlas

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/fsutil"
)

var csvHeader = []string{"region_id", "region_name", "voxel_overlap", "ml_overlap", "fraction"}

// WriteCSV writes the rows of r as a table.
func WriteCSV(w io.Writer, r Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range r.Rows {
		rec := []string{
			strconv.Itoa(row.RegionID),
			row.Name,
			strconv.Itoa(row.Voxels),
			strconv.FormatFloat(row.VolumeML, 'g', -1, 64),
			strconv.FormatFloat(row.Fraction, 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReports writes "<atlas>.csv" for every report into dir and, with
// withPlot, a "<atlas>.png" bar chart of the regions the mask touches. It
// returns the written paths.
func WriteReports(ctx context.Context, reports []Report, dir string, withPlot bool) ([]string, error) {
	var written []string
	for _, r := range reports {
		var buf bytes.Buffer
		if err := WriteCSV(&buf, r); err != nil {
			return written, fmt.Errorf("render %s: %w", r.Atlas, err)
		}
		path := filepath.Join(dir, r.Atlas+".csv")
		if err := fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
			return written, err
		}
		written = append(written, path)

		if !withPlot {
			continue
		}
		png, err := renderChart(r)
		if err != nil {
			return written, fmt.Errorf("plot %s: %w", r.Atlas, err)
		}
		if png == nil {
			continue
		}
		path = filepath.Join(dir, r.Atlas+".png")
		if err := fsutil.WriteFileAtomic(path, png, 0o644); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	ctxlog.FromContext(ctx).Info("Atlas overlap reports written.", "dir", dir, "files", len(written))
	return written, nil
}

// renderChart draws the covered fraction of every touched region. It
// returns nil when the mask touches no region.
func renderChart(r Report) ([]byte, error) {
	var values plotter.Values
	var labels []string
	for _, row := range r.Rows {
		if row.Voxels == 0 {
			continue
		}
		values = append(values, row.Fraction)
		label := row.Name
		if label == "" {
			label = strconv.Itoa(row.RegionID)
		}
		labels = append(labels, label)
	}
	if len(values) == 0 {
		return nil, nil
	}

	p := plot.New()
	p.Title.Text = r.Atlas
	p.Y.Label.Text = "Fraction of region covered"
	p.Y.Min, p.Y.Max = 0, 1

	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return nil, err
	}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(labels...)

	width := vg.Length(len(values))*vg.Points(20) + 2*vg.Inch
	wt, err := p.WriterTo(width, 4*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
