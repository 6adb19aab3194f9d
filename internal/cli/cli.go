package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"flatmaster/internal/calib"
	"flatmaster/internal/config"
	"flatmaster/internal/grpcserver"
	"flatmaster/internal/pipeline"
	"flatmaster/internal/planner"
	"flatmaster/internal/scan"
	"flatmaster/internal/server"
	"flatmaster/internal/storage"
	"flatmaster/internal/watch"

	"github.com/dustin/go-humanize"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type scannerFactory func(cfg *config.Config) planner.Scanner

type serverFunc func(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watchFunc func(ctx context.Context, opts watch.Options, log *slog.Logger, trigger watch.TriggerFunc) error

// defaultServe runs the HTTP API and the gRPC service side by side until
// ctx is cancelled or either of them fails.
func defaultServe(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		errs <- server.Serve(ctx, cfg.Addr, store, real, log)
	}()

	if cfg.GRPCAddr == "" {
		return <-errs
	}
	source := func() (*planner.Plan, error) {
		if plan := real.LatestPlan(); plan != nil {
			return plan, nil
		}
		if store == nil {
			return nil, storage.ErrNotFound
		}
		return store.LatestPlan()
	}
	go func() {
		errs <- grpcserver.New(source, log).Start(ctx, cfg.GRPCAddr)
	}()

	err := <-errs
	cancel()
	if second := <-errs; err == nil {
		err = second
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func defaultWatch(ctx context.Context, opts watch.Options, log *slog.Logger, trigger watch.TriggerFunc) error {
	w, err := watch.New(opts, log, trigger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline   pipelineClient
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	scannerFac scannerFactory
	serveFn    serverFunc
	watchFn    watchFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	root := &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		scannerFac: func(cfg *config.Config) planner.Scanner {
			var cache scan.MetadataCache
			if store != nil {
				cache = store
			}
			return scan.NewFromConfig(cfg.Scan, cache, logger)
		},
		serveFn: defaultServe,
		watchFn: defaultWatch,
	}
	if pl != nil {
		root.pipeline = pl
	}
	return root
}

// planArgs are the inputs shared by plan, run and watch.
type planArgs struct {
	flatRoots        []string
	darkRoots        []string
	deleteCalibrated bool
	noNearest        bool
	jsonOut          bool
}

func (a planArgs) options() map[string]any {
	opts := map[string]any{"source": "cli"}
	if len(a.flatRoots) > 0 {
		opts["flatRoots"] = a.flatRoots
	}
	if len(a.darkRoots) > 0 {
		opts["darkRoots"] = a.darkRoots
	}
	if a.deleteCalibrated {
		opts["deleteCalibrated"] = true
	}
	if a.noNearest {
		opts["allowNearest"] = false
	}
	return opts
}

func (r *Root) flatRoots(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(r.cfg.Scan.FlatRoots) > 0 {
		return r.cfg.Scan.FlatRoots, nil
	}
	return nil, errors.New("no flat roots: pass directories or set scan.flat_roots")
}

func (r *Root) cmdScan(ctx context.Context, args []string) error {
	roots, err := r.flatRoots(args)
	if err != nil {
		return err
	}
	res, err := r.enqueueAndWait(ctx, pipeline.Job{
		ID:      newID("scan"),
		Type:    pipeline.JobScan,
		Options: map[string]any{"flatRoots": roots, "source": "cli"},
	})
	if err != nil {
		return err
	}
	fmt.Printf("Scanned %s\n", strings.Join(roots, ", "))
	fmt.Printf("  flat directories:    %v\n", res.Meta["flat_dirs"])
	fmt.Printf("  flats with exposure: %v\n", res.Meta["flats_with_exposure"])
	if stats, ok := res.Meta["flat_stats"].(map[string]int); ok {
		fmt.Printf("  %s\n", formatStats(stats))
	}
	if v, ok := res.Meta["dark_dirs"]; ok {
		fmt.Printf("  dark directories:    %v\n", v)
	}
	return nil
}

// cmdDarks prints the dark inventory grouped by kind, then exposure.
func (r *Root) cmdDarks(ctx context.Context, args []string) error {
	roots := args
	if len(roots) == 0 {
		roots = r.cfg.Scan.DarkRoots
	}
	if len(roots) == 0 {
		return errors.New("no dark roots: pass directories or set scan.dark_roots")
	}
	res, err := r.scannerFac(r.cfg).Scan(ctx, roots)
	if err != nil {
		return err
	}
	catalog, stats := calib.BuildCatalog(res.Files(), res.Metadata())

	fmt.Printf("Dark inventory: %d indexed of %d candidates (%d unclassified, %d without exposure)\n",
		stats.Indexed, stats.Candidates, stats.Unclassified, stats.MissingExposure)
	var total uint64
	for _, kind := range calib.Kinds {
		keys := catalog.Keys(kind)
		if len(keys) == 0 {
			continue
		}
		fmt.Printf("\n%s (%d)\n", kind, catalog.Count(kind))
		for _, key := range keys {
			entries := catalog.At(kind, key)
			fmt.Printf("  %ss: %d\n", key, len(entries))
			for _, e := range entries {
				size := fileSize(e.Path)
				total += size
				fmt.Printf("    %s  %s\n", e.Path, humanize.Bytes(size))
			}
		}
	}
	fmt.Printf("\nTotal: %d files, %s\n", catalog.Len(), humanize.Bytes(total))
	return nil
}

func (r *Root) cmdPlan(ctx context.Context, args planArgs, jobType pipeline.JobType) error {
	roots, err := r.flatRoots(args.flatRoots)
	if err != nil {
		return err
	}
	args.flatRoots = roots
	prefix := "plan"
	if jobType == pipeline.JobRun {
		prefix = "run"
	}
	res, err := r.enqueueAndWait(ctx, pipeline.Job{
		ID:      newID(prefix),
		Type:    jobType,
		Options: args.options(),
	})
	if res.Plan != nil {
		if args.jsonOut {
			data, jerr := json.MarshalIndent(res.Plan, "", "  ")
			if jerr != nil {
				return jerr
			}
			fmt.Println(string(data))
		} else {
			printPlan(res.Plan)
		}
	}
	if err != nil {
		return err
	}
	if jobType == pipeline.JobPlan {
		if msg, ok := res.Meta["validation_error"].(string); ok {
			return fmt.Errorf("plan is not runnable: %s", msg)
		}
	}
	if jobType == pipeline.JobRun {
		fmt.Printf("\nEngine finished: sentinel %v after %v attempt(s)\n", res.Meta["sentinel"], res.Meta["attempts"])
	}
	return nil
}

func printPlan(plan *planner.Plan) {
	fmt.Printf("Run %s: %d directories, %d groups, %d dark builds\n",
		plan.RunID, len(plan.Jobs), plan.GroupCount(), len(plan.DarkBuilds))
	for _, job := range plan.Jobs {
		fmt.Printf("\n%s\n  -> %s\n", job.Directory, job.OutputDir)
		for _, g := range job.Groups {
			opt := ""
			if g.Dark.RequiresOptimization {
				opt = " optimize"
			}
			fmt.Printf("  %6ss  %3d flats  dark %s [%s%s]  %s %g/%g\n",
				g.Label, len(g.Files), g.Dark.Path, g.Dark.Provenance, opt,
				g.Rejection.Algorithm, g.Rejection.Low, g.Rejection.High)
		}
	}
	if len(plan.DarkBuilds) > 0 {
		fmt.Printf("\nDark builds:\n")
		for _, b := range plan.DarkBuilds {
			fmt.Printf("  %s %ss from %d frames -> %s\n", b.Kind, b.Key, len(b.Sources), b.Output)
		}
	}
	if len(plan.Skips) > 0 {
		fmt.Printf("\nSkipped:\n")
		for _, s := range plan.Skips {
			if s.ExposureKey != "" {
				fmt.Printf("  %s [%ss]: %s\n", s.Directory, s.ExposureKey, s.Reason)
			} else {
				fmt.Printf("  %s: %s\n", s.Directory, s.Reason)
			}
		}
	}
	if len(plan.Failures) > 0 {
		fmt.Printf("\nFailed:\n")
		for _, f := range plan.Failures {
			fmt.Printf("  %s [%ss]: %s\n", f.Directory, f.ExposureKey, f.Error)
		}
	}
	fmt.Printf("\n%s\n", formatStats(plan.Stats.Map()))
}

func (r *Root) cmdRuns(limit int) error {
	if r.store == nil {
		return errors.New("store not initialized")
	}
	runs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No planning runs recorded")
		return nil
	}
	for _, run := range runs {
		line := fmt.Sprintf("%s  %-9s  %d dirs  %d groups  %d builds  %s",
			run.RunID, run.Status, run.Jobs, run.Groups, run.DarkBuilds, humanize.Time(run.CreatedAt))
		if run.Error != "" {
			line += "  error: " + run.Error
		}
		fmt.Println(line)
	}
	return nil
}

func (r *Root) cmdWatch(ctx context.Context, args planArgs, execute bool) error {
	roots, err := r.flatRoots(args.flatRoots)
	if err != nil {
		return err
	}
	args.flatRoots = roots
	jobType := pipeline.JobPlan
	if execute {
		jobType = pipeline.JobRun
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := watch.Options{
		Roots:    roots,
		SkipDirs: r.cfg.Scan.SkipDirs,
		Debounce: time.Duration(r.cfg.Watch.DebounceMS) * time.Millisecond,
	}
	r.log.Info("watching flat roots", "roots", roots, "debounce", opts.Debounce)
	return r.watchFn(ctx, opts, r.log, func(ctx context.Context, changed []string) {
		job := pipeline.Job{ID: newID(string(jobType)), Type: jobType, Options: args.options()}
		if err := r.enqueue(ctx, job); err != nil {
			r.log.Warn("failed to queue re-plan", "changed", len(changed), "error", err)
		}
	})
}

func (r *Root) cmdServe(ctx context.Context, addr, grpcAddr string) error {
	cfg := r.cfg.Server
	if addr != "" {
		cfg.Addr = addr
	}
	if grpcAddr != "" {
		cfg.GRPCAddr = grpcAddr
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.serveFn(ctx, cfg, r.store, r.pipeline, r.log)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if r.pipeline == nil {
		return pipeline.Result{}, errors.New("pipeline not running")
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if r.pipeline == nil {
		return errors.New("pipeline not running")
	}
	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID)
	return nil
}

func formatStats(stats map[string]int) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, stats[k]))
	}
	return strings.Join(parts, " ")
}

func fileSize(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil || info.Size() < 0 {
		return 0
	}
	return uint64(info.Size())
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
