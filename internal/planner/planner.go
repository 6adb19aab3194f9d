// Package planner turns scanned flats and darks into a declarative
// calibration plan. A Planner holds the state of exactly one run.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"flatmaster/internal/calib"
	"flatmaster/internal/config"
	"flatmaster/internal/fsutil"
	"flatmaster/internal/logging"
	"flatmaster/internal/scan"
)

const defaultCacheDirName = "_DarkMasters"

// Scanner collects frames from a set of roots.
type Scanner interface {
	Scan(ctx context.Context, roots []string) (scan.Result, error)
}

// Options are the planning inputs for one run.
type Options struct {
	FlatRoots          []string
	DarkRoots          []string
	MinSamples         int
	Match              calib.MatchPolicy
	CacheDir           string
	CalibratedSubdir   string
	OutputSuffix       string
	SentinelPath       string
	DeleteCalibrated   bool
	ReuseCachedMasters bool
	XISFHintsCal       string
	XISFHintsMaster    string
}

// OptionsFromConfig maps the configuration onto planning options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FlatRoots:  cfg.Scan.FlatRoots,
		DarkRoots:  cfg.Scan.DarkRoots,
		MinSamples: cfg.Scan.MinSamples,
		Match: calib.MatchPolicy{
			EnforceBinning:   cfg.Match.EnforceBinning,
			MatchGain:        cfg.Match.MatchGain,
			MatchOffset:      cfg.Match.MatchOffset,
			MatchTemperature: cfg.Match.MatchTemperature,
			MaxTempDelta:     cfg.Match.MaxTempDeltaC,
			AllowNearest:     cfg.Match.AllowNearestExposure,
		},
		CacheDir:           cfg.Engine.CacheDir,
		CalibratedSubdir:   cfg.Engine.CalibratedSubdir,
		OutputSuffix:       cfg.Engine.OutputSuffix,
		SentinelPath:       cfg.Engine.SentinelPath,
		DeleteCalibrated:   cfg.Engine.DeleteCalibrated,
		ReuseCachedMasters: cfg.Engine.ReuseCachedMasters,
		XISFHintsCal:       cfg.Engine.XISFHintsCal,
		XISFHintsMaster:    cfg.Engine.XISFHintsMaster,
	}
}

// Planner owns the catalog, synthesis cache and reports of one run.
type Planner struct {
	opts    Options
	scanner Scanner
	log     *slog.Logger

	cacheDir string
	builds   []DarkBuild
	skips    []Skip
	failures []Failure
	stats    Stats
}

// New prepares a planner. scanner may be nil when only BuildFrom is used.
func New(opts Options, scanner Scanner, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MinSamples < calib.MinSamples {
		opts.MinSamples = calib.MinSamples
	}
	if opts.CalibratedSubdir == "" {
		opts.CalibratedSubdir = "_CalibratedFlats"
	}
	if opts.OutputSuffix == "" {
		opts.OutputSuffix = "_processed"
	}
	return &Planner{opts: opts, scanner: scanner, log: logger}
}

// Build scans the configured roots and plans the run.
func (p *Planner) Build(ctx context.Context) (*Plan, error) {
	if p.scanner == nil {
		return nil, fmt.Errorf("planner: no scanner configured")
	}
	flats, err := p.scanner.Scan(ctx, p.opts.FlatRoots)
	if err != nil {
		return nil, fmt.Errorf("scan flats: %w", err)
	}
	var darks scan.Result
	if len(p.opts.DarkRoots) > 0 {
		darks, err = p.scanner.Scan(ctx, p.opts.DarkRoots)
		if err != nil {
			return nil, fmt.Errorf("scan darks: %w", err)
		}
	}
	return p.BuildFrom(ctx, flats, darks)
}

// BuildFrom plans a run from already collected scans.
func (p *Planner) BuildFrom(ctx context.Context, flats, darks scan.Result) (*Plan, error) {
	p.builds, p.skips, p.failures = nil, nil, nil
	p.stats = Stats{
		Dirs:       flats.Stats.Dirs,
		Pruned:     flats.Stats.Pruned,
		Listed:     flats.Stats.Listed,
		Candidates: flats.Stats.Candidates,
		Unreadable: flats.Stats.Unreadable,
	}
	p.cacheDir = p.resolveCacheDir()

	catalog, catStats := calib.BuildCatalog(darks.Files(), darks.Metadata())
	p.stats.DarkCandidates = catStats.Candidates
	p.stats.DarksIndexed = catStats.Indexed
	p.log.Info("dark catalog built",
		"candidates", catStats.Candidates,
		"indexed", catStats.Indexed,
		"unclassified", catStats.Unclassified,
		"missing_exp", catStats.MissingExposure,
	)

	selector := calib.NewSelector(catalog, p.opts.Match, calib.NewSynthesisCache(calib.SynthesizerFunc(p.declareBuild)), p.log)
	roots := canonicalRoots(p.opts.FlatRoots)

	var jobs []Job
	for _, dir := range flats.Dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, ok := p.planDirectory(ctx, selector, dir, roots)
		if ok {
			jobs = append(jobs, job)
		}
	}

	plan := &Plan{
		RunID:            uuid.NewString(),
		CreatedAt:        time.Now().UTC(),
		FlatRoots:        p.opts.FlatRoots,
		DarkRoots:        p.opts.DarkRoots,
		Jobs:             jobs,
		DarkBuilds:       usedBuilds(p.builds, jobs),
		DarkCatalog:      catalog.Entries(),
		Match:            p.opts.Match,
		DarkRejection:    calib.SelectRejection(calib.MinSamples, true),
		CacheDir:         p.cacheDir,
		SentinelPath:     p.opts.SentinelPath,
		DeleteCalibrated: p.opts.DeleteCalibrated,
		XISFHintsCal:     p.opts.XISFHintsCal,
		XISFHintsMaster:  p.opts.XISFHintsMaster,
		Skips:            p.skips,
		Failures:         p.failures,
	}
	p.stats.Jobs = len(jobs)
	p.stats.Groups = plan.GroupCount()
	p.stats.DarkBuilds = len(plan.DarkBuilds)
	p.stats.Failures = len(p.failures)
	plan.Stats = p.stats

	logging.LogScanStats(p.log, "flats", p.stats.Map())
	return plan, nil
}

func (p *Planner) planDirectory(ctx context.Context, selector *calib.Selector, dir scan.Directory, roots []string) (Job, bool) {
	grouping := calib.GroupExposures(dir.Path, dir.Files, dir.Meta, p.opts.MinSamples)
	p.stats.MissingExposure += grouping.MissingExposure
	p.stats.WithExposure += grouping.Grouped()

	for _, r := range grouping.Rejected {
		p.skip(Skip{
			Directory:   dir.Path,
			ExposureKey: r.Key,
			Count:       r.Count,
			Reason:      fmt.Sprintf("only %d files", r.Count),
		})
		p.stats.GroupsSkipped++
	}
	if grouping.Empty() {
		p.skip(Skip{
			Directory: dir.Path,
			Count:     len(dir.Files),
			Reason:    fmt.Sprintf("no exposure group with >=%d flats", p.opts.MinSamples),
		})
		p.stats.DirsSkipped++
		return Job{}, false
	}

	mapping := MapOutput(dir.Path, roots, p.opts.OutputSuffix)
	outDir := mapping.OutputDir()
	job := Job{
		Directory:    dir.Path,
		BaseRoot:     mapping.Base,
		OutputRoot:   mapping.OutputRoot,
		RelativePath: mapping.RelativePath,
		OutputDir:    outDir,
	}
	p.log.Debug("output mapping", "base", mapping.Base, "dir", dir.Path, "out_root", mapping.OutputRoot, "rel", mapping.RelativePath)

	for _, g := range grouping.Groups {
		sel, err := selector.Select(ctx, g.Exposure, g.Want)
		if err != nil {
			p.failures = append(p.failures, Failure{Directory: dir.Path, ExposureKey: g.Key, Error: err.Error()})
			p.log.Warn("dropping directory", "dir", dir.Path, "exposure", g.Key, "count", len(g.Files), "error", err)
			return Job{}, false
		}
		job.Groups = append(job.Groups, GroupPlan{
			ExposureGroup: g,
			Label:         calib.ExposureLabel(g.Exposure),
			Dark:          sel,
			Rejection:     calib.SelectRejection(len(g.Files), false),
			CalibratedDir: filepath.Join(outDir, CalibratedDirName(p.opts.CalibratedSubdir, g.Exposure)),
			MasterPath:    filepath.Join(outDir, MasterFlatName(dir.Path, g.Files, g.Exposure)),
			Stats:         calib.ComputeGroupStats(g.Files, dir.Meta),
		})
	}
	return job, true
}

// declareBuild is the run's Synthesizer: it schedules a master build in the
// cache directory, or reuses a master left there by an earlier run.
func (p *Planner) declareBuild(_ context.Context, req calib.SynthesisRequest) (string, error) {
	if p.cacheDir == "" {
		return "", fmt.Errorf("no cache directory for %s %ss", req.Kind, req.Key)
	}
	out := filepath.Join(p.cacheDir, CachedMasterName(req.Kind, req.Exposure))
	if p.opts.ReuseCachedMasters {
		if info, err := os.Stat(out); err == nil && info.Mode().IsRegular() {
			p.log.Info("reusing cached master", "kind", req.Kind, "exposure", req.Key, "path", out)
			return out, nil
		}
	}
	sources := make([]string, len(req.Sources))
	for i, e := range req.Sources {
		sources[i] = e.Path
	}
	p.builds = append(p.builds, DarkBuild{
		Kind:      req.Kind,
		Exposure:  req.Exposure,
		Key:       req.Key,
		Sources:   sources,
		Output:    out,
		Rejection: req.Rejection,
	})
	p.log.Info("scheduled master build", "kind", req.Kind, "exposure", req.Key, "frames", len(sources), "output", out)
	return out, nil
}

func (p *Planner) skip(s Skip) {
	p.skips = append(p.skips, s)
	logging.LogSkip(p.log, s.Directory, s.ExposureKey, s.Count, s.Reason)
}

func (p *Planner) resolveCacheDir() string {
	if p.opts.CacheDir != "" {
		return p.opts.CacheDir
	}
	if len(p.opts.DarkRoots) > 0 {
		return filepath.Join(fsutil.CanonicalDir(p.opts.DarkRoots[0]), defaultCacheDirName)
	}
	return ""
}

// usedBuilds drops builds declared for directories that were later dropped.
func usedBuilds(builds []DarkBuild, jobs []Job) []DarkBuild {
	used := make(map[string]bool)
	for _, job := range jobs {
		for _, g := range job.Groups {
			if g.Dark.Synthesized {
				used[g.Dark.Path] = true
			}
		}
	}
	var out []DarkBuild
	for _, b := range builds {
		if used[b.Output] {
			out = append(out, b)
		}
	}
	return out
}

func canonicalRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, fsutil.CanonicalDir(r))
	}
	return out
}
