package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"flatmaster/internal/config"
	"flatmaster/internal/engine"
	"flatmaster/internal/planner"
	"flatmaster/internal/scan"
	"flatmaster/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	cfg        *config.Config
	newScanner scannerFactory
	newPlanner plannerFactory
	engine     engine.Engine
}

type scannerFactory func() planner.Scanner

type planBuilder interface {
	Build(ctx context.Context) (*planner.Plan, error)
}

type plannerFactory func(opts planner.Options, sc planner.Scanner, logger *slog.Logger) planBuilder

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	var cache scan.MetadataCache
	if store != nil {
		cache = store
	}
	return &router{
		log:   logger,
		store: store,
		cfg:   cfg,
		newScanner: func() planner.Scanner {
			return scan.NewFromConfig(cfg.Scan, cache, logger)
		},
		newPlanner: func(opts planner.Options, sc planner.Scanner, logger *slog.Logger) planBuilder {
			return planner.New(opts, sc, logger)
		},
		engine: engine.NewPixInsight(cfg.Engine, logger),
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobScan:
		return r.handleScan(ctx, job)
	case JobPlan:
		return r.handlePlan(ctx, job)
	case JobRun:
		return r.handleRun(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	opts := r.planOptions(job)
	sc := r.newScanner()
	meta := map[string]any{}

	flats, err := sc.Scan(ctx, opts.FlatRoots)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("scan flats: %w", err)}
	}
	meta["flat_dirs"] = len(flats.Dirs)
	meta["flat_stats"] = flats.Stats.Map()
	meta["flats_with_exposure"] = withExposure(flats)

	if len(opts.DarkRoots) > 0 {
		darks, err := sc.Scan(ctx, opts.DarkRoots)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("scan darks: %w", err), Meta: meta}
		}
		meta["dark_dirs"] = len(darks.Dirs)
		meta["dark_stats"] = darks.Stats.Map()
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handlePlan(ctx context.Context, job Job) Result {
	plan, err := r.buildPlan(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := planMeta(plan)
	status := "planned"
	if verr := plan.Validate(); verr != nil {
		status = "invalid"
		meta["valid"] = false
		meta["validation_error"] = verr.Error()
	} else {
		meta["valid"] = true
	}
	if err := r.store.SavePlan(plan, job.ID, status); err != nil {
		r.log.Warn("failed to persist plan", "run_id", plan.RunID, "error", err)
	}
	return Result{Job: job, Meta: meta, Plan: plan}
}

func (r *router) handleRun(ctx context.Context, job Job) Result {
	plan, err := r.buildPlan(ctx, job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := planMeta(plan)
	if verr := plan.Validate(); verr != nil {
		_ = r.store.SavePlan(plan, job.ID, "invalid")
		return Result{Job: job, Error: verr, Meta: meta, Plan: plan}
	}
	if err := r.store.SavePlan(plan, job.ID, "running"); err != nil {
		r.log.Warn("failed to persist plan", "run_id", plan.RunID, "error", err)
	}

	outcome, err := r.engine.Execute(ctx, plan)
	meta["attempts"] = outcome.Attempts
	meta["sentinel"] = outcome.Sentinel
	meta["script"] = outcome.ScriptPath
	meta["removed"] = len(outcome.Removed)

	status := "completed"
	if err != nil {
		status = "failed"
	}
	if rerr := r.store.RecordRunResult(plan.RunID, status, errString(err)); rerr != nil {
		r.log.Warn("failed to record run result", "run_id", plan.RunID, "error", rerr)
	}
	return Result{Job: job, Error: err, Meta: meta, Plan: plan}
}

func (r *router) buildPlan(ctx context.Context, job Job) (*planner.Plan, error) {
	opts := r.planOptions(job)
	if len(opts.FlatRoots) == 0 {
		return nil, fmt.Errorf("no flat roots given")
	}
	return r.newPlanner(opts, r.newScanner(), r.log).Build(ctx)
}

// planOptions starts from the configuration and applies per-job overrides.
func (r *router) planOptions(job Job) planner.Options {
	opts := planner.OptionsFromConfig(r.cfg)
	if roots := stringSlice(job.Options["flatRoots"]); len(roots) > 0 {
		opts.FlatRoots = roots
	} else if job.InputPath != "" {
		opts.FlatRoots = []string{job.InputPath}
	}
	if roots := stringSlice(job.Options["darkRoots"]); len(roots) > 0 {
		opts.DarkRoots = roots
	}
	if v, ok := job.Options["deleteCalibrated"].(bool); ok {
		opts.DeleteCalibrated = v
	}
	if v, ok := job.Options["allowNearest"].(bool); ok {
		opts.Match.AllowNearest = v
	}
	switch v := job.Options["minSamples"].(type) {
	case int:
		opts.MinSamples = v
	case float64:
		opts.MinSamples = int(v)
	}
	return opts
}

func planMeta(plan *planner.Plan) map[string]any {
	return map[string]any{
		"run_id":      plan.RunID,
		"jobs":        len(plan.Jobs),
		"groups":      plan.GroupCount(),
		"dark_builds": len(plan.DarkBuilds),
		"darks":       len(plan.DarkCatalog),
		"skips":       len(plan.Skips),
		"failures":    len(plan.Failures),
	}
}

func withExposure(res scan.Result) int {
	n := 0
	for _, d := range res.Dirs {
		for _, m := range d.Meta {
			if m.HasExposure() {
				n++
			}
		}
	}
	return n
}

// stringSlice accepts []string or the []any produced by JSON decoding.
func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	case string:
		if s != "" {
			return []string{s}
		}
	}
	return nil
}
