package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"flatmaster/internal/calib"
	"flatmaster/internal/planner"
)

func testPlan(t *testing.T, root string) *planner.Plan {
	t.Helper()
	out := filepath.Join(root, "flats_processed", "L")
	return &planner.Plan{
		RunID: "run-test",
		Jobs: []planner.Job{{
			Directory:  filepath.Join(root, "flats", "L"),
			OutputRoot: filepath.Join(root, "flats_processed"),
			OutputDir:  out,
			Groups: []planner.GroupPlan{{
				ExposureGroup: calib.ExposureGroup{Key: "2.000", Exposure: 2, Files: []string{"a.xisf", "b.xisf", "c.xisf"}},
				Label:         "2",
				Dark:          calib.Selection{Path: "/darks/MasterDarkFlat_2s.xisf", Provenance: calib.ProvMasterDarkFlatExact},
				Rejection:     calib.SelectRejection(3, false),
				CalibratedDir: filepath.Join(out, "_CalibratedFlats_2s"),
				MasterPath:    filepath.Join(out, "MasterFlat_UNKNOWNDATE_L_2s.xisf"),
			}},
		}},
		DarkCatalog: []calib.Entry{{Path: "/darks/MasterDarkFlat_2s.xisf", Kind: calib.KindMasterDarkFlat, Exposure: 2}},
	}
}

// createExecutable writes a shell stub that runs body.
func createExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to create stub executable %s: %v", path, err)
	}
	return path
}

func newTestEngine(t *testing.T, body string) (*PixInsight, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "sentinel.txt")
	exe := createExecutable(t, dir, "PixInsight", strings.ReplaceAll(body, "$SENTINEL", sentinel))
	var buf bytes.Buffer
	return &PixInsight{
		Executable:   exe,
		WorkDir:      filepath.Join(dir, "work"),
		SentinelPath: sentinel,
		Log:          slog.New(slog.NewTextHandler(&buf, nil)),
	}, &buf, dir
}

func TestExecuteSucceedsOnFirstVariant(t *testing.T) {
	eng, logs, dir := newTestEngine(t, `echo "processing $1"
echo OK > "$SENTINEL"`)
	plan := testPlan(t, dir)

	out, err := eng.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Attempts != 1 || out.Sentinel != "OK" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.Contains(logs.String(), "processing --run=") {
		t.Fatalf("engine output should be streamed to the log:\n%s", logs.String())
	}

	data, err := os.ReadFile(out.PlanPath)
	if err != nil {
		t.Fatalf("plan file: %v", err)
	}
	var written planner.Plan
	if err := json.Unmarshal(data, &written); err != nil {
		t.Fatalf("plan file is not valid json: %v", err)
	}
	if written.SentinelPath != eng.SentinelPath || written.RunID != "run-test" {
		t.Fatalf("unexpected plan payload %+v", written)
	}
	if _, err := os.Stat(filepath.Join(dir, "flats_processed")); err != nil {
		t.Fatalf("output root should be created: %v", err)
	}
}

func TestExecuteFallsBackToSecondVariant(t *testing.T) {
	eng, _, dir := newTestEngine(t, `if [ "$1" = "--run" ]; then echo OK > "$SENTINEL"; fi`)

	out, err := eng.Execute(context.Background(), testPlan(t, dir))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Attempts != 2 {
		t.Fatalf("expected second variant to succeed, got %d attempts", out.Attempts)
	}
}

func TestExecuteTreatsEmptySentinelAsMissing(t *testing.T) {
	eng, _, dir := newTestEngine(t, `if [ "$1" = "--run" ]; then echo OK > "$SENTINEL"; else : > "$SENTINEL"; fi`)

	out, err := eng.Execute(context.Background(), testPlan(t, dir))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Attempts != 2 || out.Sentinel != "OK" {
		t.Fatalf("empty sentinel should move on to the next variant, got %+v", out)
	}
}

func TestExecuteMissingSentinelIsAmbiguous(t *testing.T) {
	eng, logs, dir := newTestEngine(t, `exit 0`)

	out, err := eng.Execute(context.Background(), testPlan(t, dir))
	if !errors.Is(err, ErrNoSentinel) {
		t.Fatalf("expected ErrNoSentinel, got %v", err)
	}
	if out.Attempts != 2 {
		t.Fatalf("both variants should be tried, got %d", out.Attempts)
	}
	if !strings.Contains(logs.String(), "sentinel missing; trying next variant") {
		t.Fatalf("missing sentinel should be logged:\n%s", logs.String())
	}
}

func TestExecuteReportsEngineError(t *testing.T) {
	eng, _, dir := newTestEngine(t, `echo "ERROR: ImageCalibration failed." > "$SENTINEL"
exit 1`)

	_, err := eng.Execute(context.Background(), testPlan(t, dir))
	if !errors.Is(err, ErrEngineFailed) {
		t.Fatalf("expected ErrEngineFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "ImageCalibration failed.") {
		t.Fatalf("engine message should be carried, got %v", err)
	}
}

func TestExecuteRemovesStaleSentinel(t *testing.T) {
	eng, _, dir := newTestEngine(t, `exit 0`)
	if err := os.WriteFile(eng.SentinelPath, []byte("OK\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Execute(context.Background(), testPlan(t, dir)); !errors.Is(err, ErrNoSentinel) {
		t.Fatalf("a stale sentinel must not count as success, got %v", err)
	}
}

func TestExecuteDeletesCalibratedDirs(t *testing.T) {
	eng, _, dir := newTestEngine(t, `echo OK > "$SENTINEL"`)
	plan := testPlan(t, dir)
	plan.DeleteCalibrated = true
	cal := plan.Jobs[0].Groups[0].CalibratedDir
	if err := os.MkdirAll(cal, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cal, "a_c.xisf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := eng.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := os.Stat(cal); !os.IsNotExist(err) {
		t.Fatalf("calibrated dir should be removed, stat err=%v", err)
	}
	if len(out.Removed) != 1 || out.Removed[0] != cal {
		t.Fatalf("unexpected removed list %v", out.Removed)
	}
}

func TestExecuteRejectsInvalidPlan(t *testing.T) {
	eng, _, _ := newTestEngine(t, `echo OK > "$SENTINEL"`)
	_, err := eng.Execute(context.Background(), &planner.Plan{DarkCatalog: []calib.Entry{{Path: "x"}}})
	if !errors.Is(err, planner.ErrEmptyPlan) {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
	if _, statErr := os.Stat(eng.SentinelPath); !os.IsNotExist(statErr) {
		t.Fatal("engine must not run for an invalid plan")
	}
}

func TestRenderScriptInjectsPlan(t *testing.T) {
	eng, _, dir := newTestEngine(t, `exit 0`)
	plan := testPlan(t, dir)
	script, err := eng.RenderScript(plan)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(script, planPlaceholder) {
		t.Fatal("placeholder should be replaced")
	}
	start := strings.Index(script, "JSON.parse(")
	if start < 0 {
		t.Fatal("payload literal not found")
	}
	end := strings.Index(script[start:], ");")
	if end < 0 {
		t.Fatal("payload literal not terminated")
	}
	var literal string
	if err := json.Unmarshal([]byte(script[start+len("JSON.parse("):start+end]), &literal); err != nil {
		t.Fatalf("payload is not a string literal: %v", err)
	}
	var decoded planner.Plan
	if err := json.Unmarshal([]byte(literal), &decoded); err != nil {
		t.Fatalf("payload is not a plan: %v", err)
	}
	if decoded.Jobs[0].Groups[0].MasterPath != plan.Jobs[0].Groups[0].MasterPath {
		t.Fatalf("unexpected decoded plan %+v", decoded)
	}
}

func TestResolveExecutableMissing(t *testing.T) {
	eng := &PixInsight{Executable: filepath.Join(t.TempDir(), "nope", "PixInsight")}
	if _, err := eng.ResolveExecutable(); err == nil {
		t.Fatal("expected an error for a missing executable")
	}
}
