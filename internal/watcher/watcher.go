// Package watcher detects when a browser-initiated download has finished by
// diffing the download directory against a pre-trigger snapshot and waiting
// for a new file's size to stay unchanged across consecutive polls.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dsdreports/internal/clock"
	"dsdreports/internal/config"
	"dsdreports/internal/files"
)

// InProgressSuffixes mark files a browser is still writing.
var InProgressSuffixes = []string{".crdownload", ".part", ".partial", ".download", ".tmp"}

// minStabilityPolls is the smallest usable window: one reading to compare
// against the previous one.
const minStabilityPolls = 2

// Known is the set of file names present before an export was triggered.
type Known map[string]struct{}

// Has reports whether name was present in the snapshot.
func (k Known) Has(name string) bool {
	_, ok := k[name]
	return ok
}

// DownloadArtifact is a completed file written by the browser.
type DownloadArtifact struct {
	Path            string
	SizeBytes       int64
	FirstObservedAt time.Time
	LastObservedAt  time.Time
}

// NamedArtifact is a DownloadArtifact after its one deterministic rename.
type NamedArtifact struct {
	Path           string
	ReportSequence int
	ISODate        string
	SizeBytes      int64
}

// DownloadTimeout is returned when no new file stabilizes in time.
type DownloadTimeout struct {
	Dir     string
	Timeout time.Duration
	// Pending lists new files seen but never complete, including in-progress ones.
	Pending []string
}

func (e *DownloadTimeout) Error() string {
	if len(e.Pending) == 0 {
		return fmt.Sprintf("no download appeared in %s within %s", e.Dir, e.Timeout)
	}
	return fmt.Sprintf("download in %s did not complete within %s (pending: %s)",
		e.Dir, e.Timeout, strings.Join(e.Pending, ", "))
}

// Options tune completion detection.
type Options struct {
	PollInterval   time.Duration
	StabilityPolls int
	// PreferredName is a glob that wins ties between equally recent files.
	PreferredName string
	// Extensions, if set, restricts candidates to these suffixes.
	Extensions []string
}

// OptionsFromConfig converts watcher configuration.
func OptionsFromConfig(cfg config.WatcherConfig) Options {
	return Options{
		PollInterval:   cfg.PollInterval,
		StabilityPolls: cfg.StabilityPolls,
		PreferredName:  cfg.PreferredName,
	}
}

// Watcher polls a download directory.
type Watcher struct {
	opts   Options
	clock  clock.Clock
	files  *files.Manager
	logger *slog.Logger
}

// New creates a Watcher. A nil clock means wall-clock time.
func New(opts Options, clk clock.Clock, fm *files.Manager, logger *slog.Logger) *Watcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.StabilityPolls < minStabilityPolls {
		opts.StabilityPolls = minStabilityPolls
	}
	if logger == nil {
		logger = slog.Default()
	}
	if fm == nil {
		fm = files.NewManager(nil, logger)
	}
	return &Watcher{opts: opts, clock: clk, files: fm, logger: logger}
}

// WithExtensions returns a copy restricted to the given file suffixes.
func (w *Watcher) WithExtensions(exts ...string) *Watcher {
	cp := *w
	cp.opts.Extensions = exts
	return &cp
}

// Snapshot records the files currently in dir.
func (w *Watcher) Snapshot(dir string) (Known, error) {
	entries, err := files.Scan(dir)
	if err != nil {
		return nil, err
	}
	known := make(Known, len(entries))
	for _, f := range entries {
		known[f.Name] = struct{}{}
	}
	return known, nil
}

// observation tracks one candidate across polls.
type observation struct {
	size      int64
	samePolls int
	modTime   time.Time
	first     time.Time
	last      time.Time
	path      string
	name      string
}

// Await blocks until a file absent from known has kept the same non-zero
// size for StabilityPolls consecutive polls, then returns it. Files from
// the snapshot are never returned, whatever happens to them.
func (w *Watcher) Await(ctx context.Context, dir string, known Known, timeout time.Duration) (*DownloadArtifact, error) {
	start := w.clock.Now()
	deadline := start.Add(timeout)
	tracked := make(map[string]*observation)
	inProgress := make(map[string]struct{})

	for poll := 1; ; poll++ {
		now := w.clock.Now()
		entries, err := files.Scan(dir)
		if err != nil {
			return nil, err
		}

		present := make(map[string]struct{}, len(entries))
		var ready []*observation
		for _, f := range entries {
			if known.Has(f.Name) {
				continue
			}
			if isInProgress(f.Name) {
				inProgress[f.Name] = struct{}{}
				continue
			}
			if !w.wanted(f.Name) {
				continue
			}
			present[f.Name] = struct{}{}

			o, ok := tracked[f.Name]
			switch {
			case !ok:
				o = &observation{size: f.Size, samePolls: 1, first: now, path: f.Path, name: f.Name}
				tracked[f.Name] = o
			case f.Size == o.size:
				o.samePolls++
			default:
				o.size = f.Size
				o.samePolls = 1
			}
			o.last = now
			o.modTime = f.ModTime

			if o.samePolls >= w.opts.StabilityPolls && o.size > 0 {
				ready = append(ready, o)
			}
		}

		// Drop candidates that vanished, e.g. renamed by the browser.
		for name := range tracked {
			if _, ok := present[name]; !ok {
				delete(tracked, name)
			}
		}

		w.logger.DebugContext(ctx, "Download poll",
			slog.Int("poll", poll),
			slog.Int("candidates", len(tracked)),
			slog.Int("in_progress", len(inProgress)),
			slog.Int("stable", len(ready)))

		if len(ready) > 0 {
			best := w.pick(ready)
			w.logger.InfoContext(ctx, "Download complete",
				slog.String("file", best.name),
				slog.Int64("size_bytes", best.size),
				slog.Int("polls", poll),
				slog.Duration("waited", now.Sub(start)))
			return &DownloadArtifact{
				Path:            best.path,
				SizeBytes:       best.size,
				FirstObservedAt: best.first,
				LastObservedAt:  best.last,
			}, nil
		}

		if !now.Before(deadline) {
			return nil, &DownloadTimeout{Dir: dir, Timeout: timeout, Pending: pending(tracked, inProgress)}
		}

		if err := w.clock.Sleep(ctx, w.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

// pick breaks ties: most recently modified, then the preferred name
// pattern, then name order.
func (w *Watcher) pick(ready []*observation) *observation {
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if !a.modTime.Equal(b.modTime) {
			return a.modTime.After(b.modTime)
		}
		if pa, pb := w.preferred(a.name), w.preferred(b.name); pa != pb {
			return pa
		}
		return a.name < b.name
	})
	return ready[0]
}

func (w *Watcher) preferred(name string) bool {
	if w.opts.PreferredName == "" {
		return false
	}
	ok, _ := filepath.Match(w.opts.PreferredName, name)
	return ok
}

func (w *Watcher) wanted(name string) bool {
	if len(w.opts.Extensions) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range w.opts.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func isInProgress(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range InProgressSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func pending(tracked map[string]*observation, inProgress map[string]struct{}) []string {
	var out []string
	for name := range tracked {
		out = append(out, name)
	}
	for name := range inProgress {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Rename gives a completed artifact its report name
// {seq}_{YYYY-MM-DD}.csv, or {seq}_{YYYY-MM-DD}-{n}.csv if that is taken.
func (w *Watcher) Rename(a *DownloadArtifact, seq int, date time.Time) (*NamedArtifact, error) {
	iso := date.Format("2006-01-02")
	dst, err := w.files.MoveToFreeName(a.Path, filepath.Dir(a.Path), fmt.Sprintf("%d_%s", seq, iso), ".csv")
	if err != nil {
		return nil, fmt.Errorf("rename %s: %w", a.Path, err)
	}
	return &NamedArtifact{Path: dst, ReportSequence: seq, ISODate: iso, SizeBytes: a.SizeBytes}, nil
}

// RenameTo moves a completed artifact into dir as base+ext, or the first
// free suffixed variant.
func (w *Watcher) RenameTo(a *DownloadArtifact, dir, base, ext string) (string, error) {
	return w.files.MoveToFreeName(a.Path, dir, base, ext)
}
