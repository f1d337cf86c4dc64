// Package report renders the shutdown reports: outstanding objects, call
// timing and a summary of absorbed failures.
package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/common-nighthawk/go-figure"

	"github.com/fxnlabs/clintercept/internal/objtrack"
	"github.com/fxnlabs/clintercept/internal/override"
	"github.com/fxnlabs/clintercept/internal/pipeline"
	"github.com/fxnlabs/clintercept/internal/progcache"
	"github.com/fxnlabs/clintercept/internal/timing"
)

// File names used by WriteFiles.
const (
	LeaksFile  = "clintercept_leaks.txt"
	TimingFile = "clintercept_timing.txt"
)

// Report gathers the sources of the shutdown reports. Nil sources are
// skipped.
type Report struct {
	Tracker   *objtrack.Tracker
	Timing    *timing.Recorder
	Cache     *progcache.Cache
	Overrides *override.Overrides
	Failures  map[pipeline.Class]uint64
}

// Banner renders the ASCII-art title.
func Banner(title string) string {
	return figure.NewFigure(title, "", true).String()
}

// WriteLeaks writes the leak report.
func (r Report) WriteLeaks(w io.Writer) error {
	if r.Tracker == nil {
		_, err := fmt.Fprintln(w, "Leak checking disabled.")
		return err
	}
	if err := r.Tracker.WriteReport(w); err != nil {
		return err
	}
	if n := r.Tracker.Violations(); n > 0 {
		_, err := fmt.Fprintf(w, "\nTracking violations: %d\n", n)
		return err
	}
	return nil
}

// WriteTiming writes host and device timing tables.
func (r Report) WriteTiming(w io.Writer) error {
	if r.Timing == nil || (!r.Timing.CPUEnabled() && !r.Timing.DeviceEnabled()) {
		_, err := fmt.Fprintln(w, "Timing disabled.")
		return err
	}
	if r.Timing.CPUEnabled() {
		if err := writeTable(w, "Host Performance Timing Results", r.Timing.CPUReport()); err != nil {
			return err
		}
	}
	if r.Timing.DeviceEnabled() {
		if r.Timing.CPUEnabled() {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if err := writeTable(w, "Device Performance Timing Results", r.Timing.DeviceReport()); err != nil {
			return err
		}
		c := r.Timing.Counters()
		if c.Pending > 0 || c.Failed > 0 {
			if _, err := fmt.Fprintf(w, "\nUnfinalized commands: %d pending, %d failed\n", c.Pending, c.Failed); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeTable(w io.Writer, title string, rows []timing.Summary) error {
	var total time.Duration
	for _, s := range rows {
		total += s.Total
	}
	if _, err := fmt.Fprintf(w, "%s\n\nTotal Time (ns): %d\n\n", title, total.Nanoseconds()); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Function Name\tCalls\tTotal (ns)\tTime (%)\tMean (ns)\tStdDev (ns)\tMin (ns)\tP50 (ns)\tP90 (ns)\tP99 (ns)\tMax (ns)\t")
	for _, s := range rows {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(s.Total) / float64(total)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			s.Name, s.Count, s.Total.Nanoseconds(), pct, s.Mean.Nanoseconds(), s.StdDev.Nanoseconds(),
			s.Min.Nanoseconds(), s.P50.Nanoseconds(), s.P90.Nanoseconds(), s.P99.Nanoseconds(), s.Max.Nanoseconds())
	}
	return tw.Flush()
}

// WriteSummary writes cache, override and failure counters.
func (r Report) WriteSummary(w io.Writer) error {
	var b strings.Builder
	if r.Cache != nil {
		s := r.Cache.Stats()
		fmt.Fprintf(&b, "Program cache: %d programs, %d hits, %d misses, %d corrupt, %d writes, %d collisions\n",
			s.Programs, s.Hits, s.Misses, s.Corrupt, s.Writes, s.Collisions)
	}
	if r.Overrides != nil {
		s := r.Overrides.Stats()
		fmt.Fprintf(&b, "Overrides: %d copies emulated, %d kernels emulated, %d fallbacks\n",
			s.CopiesEmulated, s.KernelsEmulated, s.Fallbacks)
	}
	for _, class := range pipeline.Classes {
		if n := r.Failures[class]; n > 0 {
			fmt.Fprintf(&b, "Failures (%s): %d\n", class, n)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteAll writes every section to w.
func (r Report) WriteAll(w io.Writer) error {
	sections := []func(io.Writer) error{r.WriteLeaks, r.WriteTiming, r.WriteSummary}
	for i, write := range sections {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if err := write(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteFiles writes the leak and timing reports into dir and returns the
// paths written.
func (r Report) WriteFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	var errs []error
	for name, write := range map[string]func(io.Writer) error{
		LeaksFile:  r.WriteLeaks,
		TimingFile: r.WriteTiming,
	} {
		path := filepath.Join(dir, name)
		if err := writeFile(path, write); err != nil {
			errs = append(errs, fmt.Errorf("writing %s: %w", name, err))
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, errors.Join(errs...)
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
