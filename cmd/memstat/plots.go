// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image/color"

	"github.com/gomlx/tensorcore/internal/workload"
	"github.com/gomlx/tensorcore/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// maxPlotPoints is the maximum number of points per line: longer timelines are sub-sampled.
const maxPlotPoints = 5_000

const mib = float64(1 << 20)

var (
	allocatedColor = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	reservedColor  = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
)

// plotTimeline saves a PNG plot of the allocated and reserved memory, in MiB, along the trace. It returns the
// path of the file saved, with "~" expanded.
func plotTimeline(filePath, title string, points []workload.TimelinePoint) (string, error) {
	if len(points) == 0 {
		return "", errors.Errorf("no trace entries to plot in %q", filePath)
	}
	filePath, err := fsutil.PrepareOutputFile(filePath)
	if err != nil {
		return "", err
	}
	stride := (len(points) + maxPlotPoints - 1) / maxPlotPoints
	numSamples := (len(points) + stride - 1) / stride
	allocated, reserved := make(plotter.XYs, 0, numSamples), make(plotter.XYs, 0, numSamples)
	for ii := 0; ii < len(points); ii += stride {
		point := points[ii]
		allocated = append(allocated, plotter.XY{X: float64(point.Step), Y: float64(point.Allocated) / mib})
		reserved = append(reserved, plotter.XY{X: float64(point.Step), Y: float64(point.Reserved) / mib})
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "trace entry"
	p.Y.Label.Text = "MiB"
	p.Legend.Top = true
	p.Legend.Left = true
	p.Add(plotter.NewGrid())
	for _, series := range []struct {
		name  string
		xys   plotter.XYs
		color color.Color
	}{{"reserved", reserved, reservedColor}, {"allocated", allocated, allocatedColor}} {
		line, err := plotter.NewLine(series.xys)
		if err != nil {
			return "", errors.Wrapf(err, "failed to plot %s memory", series.name)
		}
		line.Color = series.color
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}
	if err = p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return "", errors.Wrapf(err, "failed to save memory timeline plot to %q", filePath)
	}
	return filePath, nil
}
