package planner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"flatmaster/internal/calib"
	"flatmaster/internal/frames"
	"flatmaster/internal/scan"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func f64(v float64) *float64 { return &v }

func flatDir(dir, prefix string, exps ...float64) scan.Directory {
	d := scan.Directory{Path: dir, Meta: map[string]frames.Metadata{}}
	for i, exp := range exps {
		p := filepath.Join(dir, fmt.Sprintf("%s_%03d.xisf", prefix, i))
		d.Files = append(d.Files, p)
		d.Meta[p] = frames.Metadata{Exposure: f64(exp)}
	}
	sort.Strings(d.Files)
	return d
}

func result(dirs ...scan.Directory) scan.Result {
	return scan.Result{Dirs: dirs, Stats: scan.Stats{Dirs: len(dirs)}}
}

func darks(dir string, files map[string]float64) scan.Result {
	d := scan.Directory{Path: dir, Meta: map[string]frames.Metadata{}}
	for name, exp := range files {
		p := filepath.Join(dir, name)
		d.Files = append(d.Files, p)
		d.Meta[p] = frames.Metadata{Exposure: f64(exp)}
	}
	sort.Strings(d.Files)
	return result(d)
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		FlatRoots: []string{"/data/flats"},
		DarkRoots: []string{"/data/darks"},
		Match:     calib.DefaultMatchPolicy(),
		CacheDir:  filepath.Join(t.TempDir(), "_DarkMasters"),
	}
}

func TestBuildFromPlansMirroredJob(t *testing.T) {
	opts := testOptions(t)
	flats := result(flatDir("/data/flats/2024-03-01/L", "flat_FilterL", 30, 30, 30))
	dk := darks("/data/darks", map[string]float64{"MasterDarkFlat_30s.xisf": 30})

	plan, err := New(opts, nil, quietLogger()).BuildFrom(context.Background(), flats, dk)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(plan.Jobs) != 1 || len(plan.Jobs[0].Groups) != 1 {
		t.Fatalf("unexpected jobs %+v", plan.Jobs)
	}
	job := plan.Jobs[0]
	if job.OutputRoot != "/data/flats_processed" || job.RelativePath != "2024-03-01/L" {
		t.Fatalf("unexpected mapping root=%q rel=%q", job.OutputRoot, job.RelativePath)
	}
	g := job.Groups[0]
	if want := "/data/flats_processed/2024-03-01/L/MasterFlat_2024-03-01_L_30s.xisf"; g.MasterPath != want {
		t.Fatalf("master path = %q, want %q", g.MasterPath, want)
	}
	if want := "/data/flats_processed/2024-03-01/L/_CalibratedFlats_30s"; g.CalibratedDir != want {
		t.Fatalf("calibrated dir = %q, want %q", g.CalibratedDir, want)
	}
	if g.Dark.Provenance != calib.ProvMasterDarkFlatExact || g.Dark.Path != "/data/darks/MasterDarkFlat_30s.xisf" {
		t.Fatalf("unexpected dark %+v", g.Dark)
	}
	if g.Rejection.Algorithm != calib.PercentileClip {
		t.Fatalf("three flats should use percentile clipping, got %s", g.Rejection.Algorithm)
	}
	if len(plan.DarkBuilds) != 0 {
		t.Fatalf("no builds expected, got %+v", plan.DarkBuilds)
	}
	if plan.RunID == "" || plan.CreatedAt.IsZero() {
		t.Fatal("run id and timestamp must be set")
	}
}

func TestBuildFromReportsSkips(t *testing.T) {
	opts := testOptions(t)
	flats := result(
		flatDir("/data/flats/a", "flat", 10, 10, 30, 30, 30),
		flatDir("/data/flats/b", "flat", 5, 5),
	)
	dk := darks("/data/darks", map[string]float64{"MasterDark_30s.xisf": 30})

	plan, err := New(opts, nil, quietLogger()).BuildFrom(context.Background(), flats, dk)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(plan.Jobs) != 1 || plan.Jobs[0].Directory != "/data/flats/a" {
		t.Fatalf("unexpected jobs %+v", plan.Jobs)
	}
	if len(plan.Skips) != 3 {
		t.Fatalf("expected 3 skips, got %+v", plan.Skips)
	}
	first := plan.Skips[0]
	if first.Directory != "/data/flats/a" || first.ExposureKey != "10.000" || first.Count != 2 {
		t.Fatalf("unexpected first skip %+v", first)
	}
	last := plan.Skips[2]
	if last.Directory != "/data/flats/b" || last.ExposureKey != "" || last.Reason != "no exposure group with >=3 flats" {
		t.Fatalf("unexpected directory skip %+v", last)
	}
	if plan.Stats.GroupsSkipped != 2 || plan.Stats.DirsSkipped != 1 || plan.Stats.WithExposure != 3 {
		t.Fatalf("unexpected stats %+v", plan.Stats)
	}
}

func TestBuildFromSchedulesSharedDarkBuildOnce(t *testing.T) {
	opts := testOptions(t)
	flats := result(
		flatDir("/data/flats/Ha", "flat", 60, 60, 60),
		flatDir("/data/flats/OIII", "flat", 60, 60, 60, 60),
	)
	dk := darks("/data/darks", map[string]float64{
		"Dark_60s_001.fits": 60,
		"Dark_60s_002.fits": 60,
		"Dark_60s_003.fits": 60,
	})

	plan, err := New(opts, nil, quietLogger()).BuildFrom(context.Background(), flats, dk)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(plan.DarkBuilds) != 1 {
		t.Fatalf("expected one dark build, got %+v", plan.DarkBuilds)
	}
	b := plan.DarkBuilds[0]
	if b.Kind != calib.KindMasterDark || len(b.Sources) != 3 || b.Output != filepath.Join(opts.CacheDir, "MasterDark_60s.xisf") {
		t.Fatalf("unexpected build %+v", b)
	}
	for _, job := range plan.Jobs {
		if got := job.Groups[0].Dark; got.Path != b.Output || got.Provenance != calib.ProvMasterDarkBuilt {
			t.Fatalf("job %s got dark %+v", job.Directory, got)
		}
	}
}

func TestBuildFromReusesCachedMaster(t *testing.T) {
	opts := testOptions(t)
	opts.ReuseCachedMasters = true
	if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cached := filepath.Join(opts.CacheDir, "MasterDarkFlat_2s.xisf")
	if err := os.WriteFile(cached, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	flats := result(flatDir("/data/flats/L", "flat", 2, 2, 2))
	dk := darks("/data/darks", map[string]float64{
		"DarkFlat_001.fits": 2,
		"DarkFlat_002.fits": 2,
		"DarkFlat_003.fits": 2,
	})

	plan, err := New(opts, nil, quietLogger()).BuildFrom(context.Background(), flats, dk)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(plan.DarkBuilds) != 0 {
		t.Fatalf("cached master should be reused, got builds %+v", plan.DarkBuilds)
	}
	if got := plan.Jobs[0].Groups[0].Dark.Path; got != cached {
		t.Fatalf("dark path = %q, want %q", got, cached)
	}
}

func TestBuildFromDropsDirectoryWithoutDark(t *testing.T) {
	opts := testOptions(t)
	opts.Match.AllowNearest = false
	flats := result(flatDir("/data/flats/L", "flat", 60, 60, 60, 90, 90, 90))
	dk := darks("/data/darks", map[string]float64{
		"Dark_a.fits": 60,
		"Dark_b.fits": 60,
		"Dark_c.fits": 60,
	})

	plan, err := New(opts, nil, quietLogger()).BuildFrom(context.Background(), flats, dk)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(plan.Jobs) != 0 {
		t.Fatalf("directory should be dropped, got %+v", plan.Jobs)
	}
	if len(plan.Failures) != 1 || plan.Failures[0].ExposureKey != "90.000" {
		t.Fatalf("unexpected failures %+v", plan.Failures)
	}
	if len(plan.DarkBuilds) != 0 {
		t.Fatalf("builds for dropped directories must be pruned, got %+v", plan.DarkBuilds)
	}
	if err := plan.Validate(); !errors.Is(err, ErrEmptyPlan) {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
}

func TestValidateEmptyCatalog(t *testing.T) {
	opts := testOptions(t)
	flats := result(flatDir("/data/flats/L", "flat", 1, 1, 1))

	plan, err := New(opts, nil, quietLogger()).BuildFrom(context.Background(), flats, scan.Result{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := plan.Validate(); !errors.Is(err, ErrEmptyCatalog) {
		t.Fatalf("expected ErrEmptyCatalog, got %v", err)
	}
}

type fakeScanner struct {
	results map[string]scan.Result
	calls   [][]string
}

func (f *fakeScanner) Scan(_ context.Context, roots []string) (scan.Result, error) {
	f.calls = append(f.calls, roots)
	return f.results[roots[0]], nil
}

func TestBuildScansFlatAndDarkRoots(t *testing.T) {
	opts := testOptions(t)
	fs := &fakeScanner{results: map[string]scan.Result{
		"/data/flats": result(flatDir("/data/flats/L", "flat", 3, 3, 3)),
		"/data/darks": darks("/data/darks", map[string]float64{"MasterDark_3s.xisf": 3}),
	}}

	plan, err := New(opts, fs, quietLogger()).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(fs.calls) != 2 {
		t.Fatalf("expected two scans, got %v", fs.calls)
	}
	if len(plan.Jobs) != 1 || plan.Jobs[0].Groups[0].Dark.Provenance != calib.ProvMasterDarkExact {
		t.Fatalf("unexpected plan %+v", plan.Jobs)
	}
	if len(plan.DarkCatalog) != 1 {
		t.Fatalf("catalog should be carried in the plan, got %+v", plan.DarkCatalog)
	}
}

func TestBuildHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	flats := result(flatDir("/data/flats/L", "flat", 3, 3, 3))
	if _, err := New(testOptions(t), nil, quietLogger()).BuildFrom(ctx, flats, scan.Result{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
