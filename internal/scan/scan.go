// Package scan walks root directories and collects candidate frames with
// their extracted metadata, one batch per directory.
package scan

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"flatmaster/internal/config"
	"flatmaster/internal/frames"
	"flatmaster/internal/fsutil"
)

// ExtractFunc reads metadata for a single frame. It must not fail.
type ExtractFunc func(path string) frames.Metadata

// Directory is one visited directory with its candidate frames.
type Directory struct {
	Path  string                     `json:"path"`
	Files []string                   `json:"files"` // sorted
	Meta  map[string]frames.Metadata `json:"meta"`
}

// Stats counts what a scan touched.
type Stats struct {
	Dirs       int `json:"dirs"`
	Pruned     int `json:"pruned"`
	Listed     int `json:"listed"`
	Candidates int `json:"candidates"`
	Unreadable int `json:"unreadable"`
}

// Map flattens the counters for logging and persistence.
func (s Stats) Map() map[string]int {
	return map[string]int{
		"dirs":       s.Dirs,
		"pruned":     s.Pruned,
		"listed":     s.Listed,
		"candidates": s.Candidates,
		"unreadable": s.Unreadable,
	}
}

// Result is the outcome of scanning a set of roots.
type Result struct {
	Dirs  []Directory `json:"dirs"` // sorted by path
	Stats Stats       `json:"stats"`
}

// Files returns every candidate across all directories, sorted.
func (r Result) Files() []string {
	var out []string
	for _, d := range r.Dirs {
		out = append(out, d.Files...)
	}
	sort.Strings(out)
	return out
}

// Metadata merges the per-directory metadata maps.
func (r Result) Metadata() map[string]frames.Metadata {
	out := make(map[string]frames.Metadata)
	for _, d := range r.Dirs {
		for p, m := range d.Meta {
			out[p] = m
		}
	}
	return out
}

// Options configures a Scanner.
type Options struct {
	SkipDirs []string
	Workers  int
	Extract  ExtractFunc
}

// Scanner walks roots, pruning skip directories and prior outputs.
type Scanner struct {
	log     *slog.Logger
	skip    fsutil.SkipSet
	workers int
	extract ExtractFunc
}

// New builds a Scanner. The worker pool is never narrower than four.
func New(logger *slog.Logger, opts Options) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	workers := config.Scan{Workers: opts.Workers}.EffectiveWorkers()
	extract := opts.Extract
	if extract == nil {
		extract = frames.Extract
	}
	return &Scanner{
		log:     logger,
		skip:    fsutil.NewSkipSet(opts.SkipDirs...),
		workers: workers,
		extract: extract,
	}
}

// NewFromConfig builds a Scanner from the scan settings. A non-nil cache
// short-circuits extraction for files whose size and mtime are unchanged.
func NewFromConfig(cfg config.Scan, cache MetadataCache, logger *slog.Logger) *Scanner {
	extract := frames.NewExtractor(cfg.MaxHeaderBytes).Extract
	if cache != nil && cfg.CacheMetadata {
		extract = CachedExtractor(cache, extract, logger)
	}
	return New(logger, Options{
		SkipDirs: cfg.SkipDirs,
		Workers:  cfg.Workers,
		Extract:  extract,
	})
}

// Workers reports the pool width.
func (s *Scanner) Workers() int { return s.workers }

// Scan visits every root. Roots are walked in canonical form (absolute,
// symlinks resolved) so every reported path shares the form of the roots
// the planner maps outputs against. Unreadable directories and missing
// roots are logged and skipped; only context cancellation aborts the scan.
func (s *Scanner) Scan(ctx context.Context, roots []string) (Result, error) {
	var res Result
	seen := make(map[string]struct{})
	byDir := make(map[string][]string)

	for _, given := range roots {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		root := fsutil.CanonicalDir(given)
		if root != filepath.Clean(given) {
			s.log.Debug("resolved scan root", "root", given, "path", root)
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				res.Stats.Unreadable++
				s.log.Warn("skipping unreadable path", "path", path, "error", err)
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && s.skip.Skip(d.Name()) {
					res.Stats.Pruned++
					return filepath.SkipDir
				}
				key := fsutil.CanonicalDir(path)
				if _, dup := seen[key]; dup {
					return filepath.SkipDir
				}
				seen[key] = struct{}{}
				res.Stats.Dirs++
				if res.Stats.Dirs%50 == 0 {
					s.log.Debug("scan progress", "dirs", res.Stats.Dirs)
				}
				return nil
			}

			res.Stats.Listed++
			if !isRegular(path, d) || !fsutil.IsFrameFile(path) || fsutil.IsMasterFlat(path) {
				return nil
			}
			dir := filepath.Dir(path)
			byDir[dir] = append(byDir[dir], path)
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			s.log.Warn("walk aborted", "root", root, "error", err)
		}
	}

	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		files := byDir[dir]
		sort.Strings(files)
		res.Stats.Candidates += len(files)
		res.Dirs = append(res.Dirs, Directory{
			Path:  dir,
			Files: files,
			Meta:  s.extractAll(files),
		})
	}
	return res, nil
}

// extractAll fans out extraction across the worker pool and waits for all of it.
func (s *Scanner) extractAll(files []string) map[string]frames.Metadata {
	results := make([]frames.Metadata, len(files))
	jobs := make(chan int, len(files))
	for i := range files {
		jobs <- i
	}
	close(jobs)

	workers := s.workers
	if workers > len(files) {
		workers = len(files)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.extract(files[i])
			}
		}()
	}
	wg.Wait()

	out := make(map[string]frames.Metadata, len(files))
	for i, p := range files {
		out[p] = results[i]
	}
	return out
}

func isRegular(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := os.Stat(path)
		return err == nil && info.Mode().IsRegular()
	}
	return false
}
