// Package ui renders CLI output: colored status lines, spinners for
// indeterminate steps and progress bars for counted ones.
package ui

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// Success prints a green check line.
func Success(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(os.Stdout, "✓ %s\n", fmt.Sprintf(format, args...))
}

// Error prints a red cross line to stderr.
func Error(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

// Warning prints a yellow warning line.
func Warning(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(os.Stdout, "⚠ %s\n", fmt.Sprintf(format, args...))
}

// Info prints a cyan info line.
func Info(format string, args ...any) {
	color.New(color.FgCyan).Fprintf(os.Stdout, "ℹ %s\n", fmt.Sprintf(format, args...))
}

// Step prints a blue arrow line.
func Step(format string, args ...any) {
	color.New(color.FgBlue).Fprintf(os.Stdout, "→ %s\n", fmt.Sprintf(format, args...))
}

// Spinner shows an indeterminate step on stderr.
type Spinner struct {
	s *spinner.Spinner
}

// NewSpinner creates a stopped spinner with the given message.
func NewSpinner(message string) *Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return &Spinner{s: s}
}

// Start begins the animation.
func (sp *Spinner) Start() { sp.s.Start() }

// Update replaces the message while spinning.
func (sp *Spinner) Update(message string) { sp.s.Suffix = " " + message }

// Stop halts the animation and clears the line.
func (sp *Spinner) Stop() { sp.s.Stop() }

// Bar tracks one counted step.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar creates a progress bar with the given total and description.
func NewBar(total int64, description string) *Bar {
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
	)
	return &Bar{bar: bar}
}

// Set moves the bar to an absolute position.
func (b *Bar) Set(current int64) { _ = b.bar.Set64(current) }

// SetTotal adjusts the bar's maximum.
func (b *Bar) SetTotal(total int64) { b.bar.ChangeMax64(total) }

// Finish fills the bar and ends the line.
func (b *Bar) Finish() { _ = b.bar.Finish() }
