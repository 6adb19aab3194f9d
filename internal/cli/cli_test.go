package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"flatmaster/internal/calib"
	"flatmaster/internal/config"
	"flatmaster/internal/frames"
	"flatmaster/internal/pipeline"
	"flatmaster/internal/planner"
	"flatmaster/internal/scan"
	"flatmaster/internal/storage"
	"flatmaster/internal/watch"
)

func TestPlanCommandSubmitsJobAndPrintsPlan(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	output := captureOutput(t, func() {
		if err := execute(root, "plan", "/data/flats", "--darks", "/data/darks", "--no-nearest"); err != nil {
			t.Fatalf("plan: %v", err)
		}
	})

	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobPlan || !strings.HasPrefix(job.ID, "plan-") {
		t.Fatalf("unexpected job %+v", job)
	}
	if roots := job.Options["flatRoots"].([]string); len(roots) != 1 || roots[0] != "/data/flats" {
		t.Fatalf("unexpected flat roots %v", roots)
	}
	if job.Options["allowNearest"] != false {
		t.Fatalf("--no-nearest should disable the fallback, got %v", job.Options)
	}
	for _, want := range []string{"Run run-test", "MasterDarkFlat(exact)", "/data/flats_processed/L", "WinsorizedSigmaClipping", "only 2 files"} {
		if !strings.Contains(output, want) {
			t.Fatalf("output missing %q:\n%s", want, output)
		}
	}
}

func TestPlanCommandUsesConfiguredRoots(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	root.cfg.Scan.FlatRoots = []string{"/cfg/flats"}

	captureOutput(t, func() {
		if err := execute(root, "plan"); err != nil {
			t.Fatalf("plan: %v", err)
		}
	})
	if roots := fakePipe.jobs[0].Options["flatRoots"].([]string); roots[0] != "/cfg/flats" {
		t.Fatalf("expected configured roots, got %v", roots)
	}
}

func TestPlanCommandRequiresRoots(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	if err := execute(root, "plan"); err == nil {
		t.Fatal("expected an error without flat roots")
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatal("no job should be queued")
	}
}

func TestPlanCommandFailsForInvalidPlan(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.meta = map[string]any{"validation_error": "no calibration jobs"}
	captureOutput(t, func() {
		if err := execute(root, "plan", "/data/flats"); err == nil {
			t.Fatal("expected an error for an unrunnable plan")
		}
	})
}

func TestRunCommandPropagatesEngineError(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.jobErrors[string(pipeline.JobRun)] = errors.New("engine exited without writing a sentinel")

	var err error
	captureOutput(t, func() {
		err = execute(root, "run", "/data/flats", "--delete-calibrated")
	})
	if err == nil || !strings.Contains(err.Error(), "sentinel") {
		t.Fatalf("expected the engine error, got %v", err)
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobRun || job.Options["deleteCalibrated"] != true {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestScanCommandPrintsSummary(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.meta = map[string]any{
		"flat_dirs":           2,
		"flats_with_exposure": 9,
		"flat_stats":          map[string]int{"dirs": 3, "pruned": 1},
	}
	output := captureOutput(t, func() {
		if err := execute(root, "scan", "/data/flats"); err != nil {
			t.Fatalf("scan: %v", err)
		}
	})
	if fakePipe.jobs[0].Type != pipeline.JobScan {
		t.Fatalf("expected a scan job, got %s", fakePipe.jobs[0].Type)
	}
	if !strings.Contains(output, "flats with exposure: 9") || !strings.Contains(output, "dirs=3 pruned=1") {
		t.Fatalf("unexpected output:\n%s", output)
	}
}

func TestDarksCommandGroupsByKindAndExposure(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	files := map[string]float64{
		"MasterDark_120s.xisf":     120,
		"MasterDark_60s.xisf":      60,
		"MasterDarkFlat_2s.xisf":   2,
		"DarkFlat_2s_001.xisf":     2,
		"notes_calibration.xisf":   5,
		"Dark_300s_missingexp.fit": 0,
	}
	d := scan.Directory{Path: dir, Meta: map[string]frames.Metadata{}}
	for name, exp := range files {
		p := filepath.Join(dir, name)
		touch(t, p)
		d.Files = append(d.Files, p)
		if exp > 0 {
			d.Meta[p] = frames.Metadata{Exposure: frames.Float(exp)}
		} else {
			d.Meta[p] = frames.Metadata{}
		}
	}
	root.scannerFac = func(*config.Config) planner.Scanner {
		return stubScanner{res: scan.Result{Dirs: []scan.Directory{d}}}
	}

	output := captureOutput(t, func() {
		if err := execute(root, "darks", dir); err != nil {
			t.Fatalf("darks: %v", err)
		}
	})

	if !strings.Contains(output, "4 indexed of 6 candidates (1 unclassified, 1 without exposure)") {
		t.Fatalf("unexpected summary:\n%s", output)
	}
	mdf := strings.Index(output, "\nMASTERDARKFLAT (1)")
	md := strings.Index(output, "\nMASTERDARK (2)")
	df := strings.Index(output, "\nDARKFLAT (1)")
	if mdf < 0 || md < 0 || df < 0 || !(mdf < md && md < df) {
		t.Fatalf("sections out of order:\n%s", output)
	}
	if i60, i120 := strings.Index(output, "60.000s"), strings.Index(output, "120.000s"); i60 < 0 || i120 < 0 || i60 > i120 {
		t.Fatalf("exposures should be listed numerically:\n%s", output)
	}
}

func TestRunsCommandListsStoredRuns(t *testing.T) {
	root, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "flatmaster.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	root.store = store
	if err := store.SavePlan(samplePlan(), "plan-1", "planned"); err != nil {
		t.Fatal(err)
	}

	output := captureOutput(t, func() {
		if err := execute(root, "runs"); err != nil {
			t.Fatalf("runs: %v", err)
		}
	})
	if !strings.Contains(output, "run-test") || !strings.Contains(output, "planned") {
		t.Fatalf("unexpected output:\n%s", output)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	var got config.Server
	root.serveFn = func(ctx context.Context, cfg config.Server, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		got = cfg
		return nil
	}
	if err := execute(root, "serve", "--addr", ":9999"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if got.Addr != ":9999" || got.GRPCAddr != root.cfg.Server.GRPCAddr {
		t.Fatalf("unexpected server config %+v", got)
	}
}

func TestWatchCommandQueuesReplans(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	root.cfg.Watch.DebounceMS = 250
	var opts watch.Options
	root.watchFn = func(ctx context.Context, o watch.Options, log *slog.Logger, trigger watch.TriggerFunc) error {
		opts = o
		trigger(ctx, []string{"/data/flats/L/flat_001.xisf"})
		return nil
	}
	if err := execute(root, "watch", "/data/flats", "--run"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(opts.Roots) != 1 || opts.Debounce.Milliseconds() != 250 {
		t.Fatalf("unexpected watch options %+v", opts)
	}
	if len(fakePipe.jobs) != 1 || fakePipe.jobs[0].Type != pipeline.JobRun {
		t.Fatalf("expected one run job, got %+v", fakePipe.jobs)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut := captureOutput(t, func() {
		if err := execute(root, "config", "show"); err != nil {
			t.Fatalf("config show: %v", err)
		}
	})
	if !strings.Contains(showOut, "output_suffix: _processed") {
		t.Fatalf("unexpected config output:\n%s", showOut)
	}

	validOut := captureOutput(t, func() {
		if err := execute(root, "config", "validate"); err != nil {
			t.Fatalf("config validate: %v", err)
		}
	})
	if !strings.Contains(validOut, "Configuration is valid") {
		t.Fatalf("unexpected validate output:\n%s", validOut)
	}

	root.cfg.Scan.MinSamples = 2
	if err := execute(root, "config", "validate"); err == nil {
		t.Fatal("expected min_samples < 3 to be rejected")
	}

	versionOut := captureOutput(t, func() {
		if err := execute(root, "version"); err != nil {
			t.Fatalf("version: %v", err)
		}
	})
	if !strings.Contains(versionOut, "flatmaster "+Version) {
		t.Fatalf("unexpected version output: %s", versionOut)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.jobErrors["job-1"] = errors.New("boom")
	_, err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "job-1", Type: pipeline.JobScan})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
}

func execute(root *Root, args ...string) error {
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func samplePlan() *planner.Plan {
	return &planner.Plan{
		RunID: "run-test",
		Jobs: []planner.Job{{
			Directory:  "/data/flats/L",
			OutputRoot: "/data/flats_processed",
			OutputDir:  "/data/flats_processed/L",
			Groups: []planner.GroupPlan{{
				ExposureGroup: calib.ExposureGroup{Key: "2.000", Exposure: 2, Files: []string{"a", "b", "c"}},
				Label:         "2",
				Dark:          calib.Selection{Path: "/data/darks/MasterDarkFlat_2s.xisf", Provenance: calib.ProvMasterDarkFlatExact},
				Rejection:     calib.SelectRejection(3, true),
			}},
		}},
		DarkCatalog: []calib.Entry{{Path: "/data/darks/MasterDarkFlat_2s.xisf", Kind: calib.KindMasterDarkFlat, Exposure: 2}},
		Skips:       []planner.Skip{{Directory: "/data/flats/Ha", Count: 2, Reason: "only 2 files"}},
	}
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fakePipe := newFakePipeline()
	root := NewRoot(nil, cfg, logger, nil)
	root.pipeline = fakePipe
	return root, fakePipe
}

type stubScanner struct {
	res scan.Result
}

func (s stubScanner) Scan(context.Context, []string) (scan.Result, error) { return s.res, nil }

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	meta      map[string]any
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	meta := f.meta
	f.mu.Unlock()

	if meta == nil {
		meta = map[string]any{"ok": true, "sentinel": "OK", "attempts": 1}
	}
	res := pipeline.Result{Job: job, Error: err, Meta: meta}
	if job.Type != pipeline.JobScan {
		res.Plan = samplePlan()
	}
	go func() {
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	return <-done
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
