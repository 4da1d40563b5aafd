package ui

import (
	"os"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Board renders one bar per concurrent job, aligned and redrawn
// together. Crawls use it with a bar per seed URL.
type Board struct {
	progress *mpb.Progress
}

// NewBoard creates an empty board writing to stderr.
func NewBoard() *Board {
	return &Board{progress: mpb.New(
		mpb.WithWidth(64),
		mpb.WithOutput(os.Stderr),
	)}
}

// Add registers a percentage bar named after its job.
func (b *Board) Add(name string) *JobBar {
	bar := b.progress.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 8}), " done"),
		),
	)
	return &JobBar{bar: bar}
}

// Wait blocks until every bar completed or aborted.
func (b *Board) Wait() { b.progress.Wait() }

// JobBar is one job's percentage bar.
type JobBar struct {
	bar *mpb.Bar
}

// SetPercent moves the bar on the 0..100 scale.
func (j *JobBar) SetPercent(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	j.bar.SetCurrent(int64(p))
}

// Complete fills the bar.
func (j *JobBar) Complete() { j.bar.SetCurrent(100) }

// Abort drops the bar without filling it.
func (j *JobBar) Abort() { j.bar.Abort(false) }
