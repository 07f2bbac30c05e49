// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
var ProgressbarStyle = progressbar.ThemeASCII

// refreshPeriod is the minimum time between redraws of the progress bar.
const refreshPeriod = 200 * time.Millisecond

// progressBar displays the progress of the workload on stderr, so it doesn't mix with the reports.
type progressBar struct {
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
}

func newProgressBar(numOps int) *progressBar {
	pBar := &progressBar{termenv: termenv.NewOutput(os.Stderr)}
	pBar.bar = progressbar.NewOptions(numOps,
		progressbar.OptionSetDescription("workload"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("ops"),
		progressbar.OptionThrottle(refreshPeriod),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	pBar.termenv.HideCursor()
	return pBar
}

// Add numOps operations done. It can be called concurrently.
func (pBar *progressBar) Add(numOps int) {
	_ = pBar.bar.Add(numOps)
}

// Done finishes the progress bar. It's a no-op on a nil progressBar.
func (pBar *progressBar) Done() {
	if pBar == nil {
		return
	}
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(os.Stderr)
}
