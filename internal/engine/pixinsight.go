// Package engine hands a finished plan to the external image-processing
// engine and interprets its completion sentinel.
package engine

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"flatmaster/internal/config"
	"flatmaster/internal/fsutil"
	"flatmaster/internal/planner"
)

//go:embed executor.js
var executorTemplate string

const (
	planPlaceholder  = "%PLAN_JSON%"
	planFileName     = "flatmaster_plan.json"
	scriptFileName   = "flatmaster_executor.js"
	sentinelFileName = "flatmaster.sentinel.txt"
	sentinelOK       = "OK"
	sentinelError    = "ERROR"
)

var (
	// ErrNoSentinel means every launch attempt ended without a sentinel; the
	// outcome is unknown and must not be treated as success.
	ErrNoSentinel = errors.New("engine exited without writing a sentinel")
	// ErrEngineFailed means the engine reported an error through the sentinel.
	ErrEngineFailed = errors.New("engine reported failure")
)

// Outcome describes one engine invocation.
type Outcome struct {
	RunID      string        `json:"run_id"`
	Attempts   int           `json:"attempts"`
	Sentinel   string        `json:"sentinel"`
	ScriptPath string        `json:"script_path"`
	PlanPath   string        `json:"plan_path"`
	Duration   time.Duration `json:"duration"`
	Removed    []string      `json:"removed,omitempty"`
}

// Engine executes a validated plan.
type Engine interface {
	Execute(ctx context.Context, plan *planner.Plan) (Outcome, error)
}

var _ Engine = (*PixInsight)(nil)

// PixInsight runs plans through PixInsight's --run script mode.
type PixInsight struct {
	Executable   string
	WorkDir      string
	SentinelPath string
	Log          *slog.Logger
}

// candidate install locations tried when the executable is not on PATH
var installPaths = []string{
	"/opt/PixInsight/bin/PixInsight",
	"/Applications/PixInsight/PixInsight.app/Contents/MacOS/PixInsight",
	`C:\Program Files\PixInsight\bin\PixInsight.exe`,
}

// NewPixInsight builds the adapter from the engine configuration.
func NewPixInsight(cfg config.Engine, logger *slog.Logger) *PixInsight {
	if logger == nil {
		logger = slog.Default()
	}
	return &PixInsight{
		Executable:   cfg.Executable,
		WorkDir:      cfg.WorkDir,
		SentinelPath: cfg.SentinelPath,
		Log:          logger,
	}
}

// ResolveExecutable finds the engine binary: an explicit path, then PATH,
// then the usual install locations.
func (p *PixInsight) ResolveExecutable() (string, error) {
	exe := p.Executable
	if exe == "" {
		exe = "PixInsight"
	}
	if strings.ContainsRune(exe, filepath.Separator) {
		if _, err := os.Stat(exe); err != nil {
			return "", fmt.Errorf("engine executable: %w", err)
		}
		return exe, nil
	}
	if found, err := exec.LookPath(exe); err == nil {
		return found, nil
	}
	if found := fsutil.FirstExisting(installPaths...); found != "" {
		return found, nil
	}
	return "", fmt.Errorf("engine executable %q not found", exe)
}

func (p *PixInsight) sentinelFor(plan *planner.Plan) string {
	switch {
	case p.SentinelPath != "":
		return p.SentinelPath
	case plan.SentinelPath != "":
		return plan.SentinelPath
	default:
		return filepath.Join(p.workDir(), sentinelFileName)
	}
}

func (p *PixInsight) workDir() string {
	if p.WorkDir != "" {
		return p.WorkDir
	}
	return filepath.Join(os.TempDir(), "flatmaster")
}

// RenderScript returns the executor script with the plan injected.
func (p *PixInsight) RenderScript(plan *planner.Plan) (string, error) {
	payload := *plan
	payload.SentinelPath = p.sentinelFor(plan)
	data, err := json.Marshal(&payload)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	// A JSON string literal is also a valid JavaScript string literal.
	literal, err := json.Marshal(string(data))
	if err != nil {
		return "", err
	}
	return strings.Replace(executorTemplate, planPlaceholder, string(literal), 1), nil
}

// Execute validates the plan, writes the payload and script, then launches
// the engine with each argument variant until a sentinel appears.
func (p *PixInsight) Execute(ctx context.Context, plan *planner.Plan) (Outcome, error) {
	start := time.Now()
	out := Outcome{}
	if err := plan.Validate(); err != nil {
		return out, fmt.Errorf("plan not runnable: %w", err)
	}
	out.RunID = plan.RunID
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	exe, err := p.ResolveExecutable()
	if err != nil {
		return out, err
	}

	dir := p.workDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return out, fmt.Errorf("create work dir: %w", err)
	}
	sentinel := p.sentinelFor(plan)
	if err := os.Remove(sentinel); err != nil && !errors.Is(err, os.ErrNotExist) {
		return out, fmt.Errorf("remove stale sentinel: %w", err)
	}

	for _, job := range plan.Jobs {
		if err := os.MkdirAll(job.OutputRoot, 0o755); err != nil {
			log.Warn("failed to create output root", "path", job.OutputRoot, "error", err)
		}
	}

	out.PlanPath = filepath.Join(dir, planFileName)
	payload := *plan
	payload.SentinelPath = sentinel
	planJSON, err := json.MarshalIndent(&payload, "", "  ")
	if err != nil {
		return out, fmt.Errorf("marshal plan: %w", err)
	}
	if err := os.WriteFile(out.PlanPath, planJSON, 0o644); err != nil {
		return out, fmt.Errorf("write plan: %w", err)
	}

	script, err := p.RenderScript(plan)
	if err != nil {
		return out, err
	}
	out.ScriptPath = filepath.Join(dir, scriptFileName)
	if err := os.WriteFile(out.ScriptPath, []byte(script), 0o644); err != nil {
		return out, fmt.Errorf("write script: %w", err)
	}
	log.Info("executor script written", "script", out.ScriptPath, "plan", out.PlanPath)

	variants := [][]string{
		{"--run=" + out.ScriptPath, "--force-exit"},
		{"--run", out.ScriptPath, "--force-exit"},
	}
	for i, args := range variants {
		out.Attempts = i + 1
		log.Info("launching engine", "attempt", out.Attempts, "of", len(variants), "exe", exe, "args", args)
		if err := p.launch(ctx, log, exe, args); err != nil {
			if ctx.Err() != nil {
				out.Duration = time.Since(start)
				return out, ctx.Err()
			}
			log.Warn("engine launch failed", "attempt", out.Attempts, "error", err)
		}
		if msg, ok := readSentinel(sentinel); ok {
			out.Sentinel = msg
			log.Info("sentinel", "message", msg)
			break
		}
		log.Warn("sentinel missing; trying next variant", "attempt", out.Attempts, "path", sentinel)
	}
	out.Duration = time.Since(start)

	switch {
	case out.Sentinel == "":
		return out, ErrNoSentinel
	case strings.HasPrefix(out.Sentinel, sentinelError):
		return out, fmt.Errorf("%w: %s", ErrEngineFailed, strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(out.Sentinel, sentinelError), ":")))
	case out.Sentinel != sentinelOK:
		return out, fmt.Errorf("%w: unexpected sentinel %q", ErrEngineFailed, out.Sentinel)
	}

	if plan.DeleteCalibrated {
		for _, d := range plan.CalibratedDirs() {
			if err := os.RemoveAll(d); err != nil {
				log.Warn("cleanup failed", "path", d, "error", err)
				continue
			}
			out.Removed = append(out.Removed, d)
			log.Info("removed calibrated flats", "path", d)
		}
	}
	return out, nil
}

// launch runs the engine once, streaming its combined output into the log.
func (p *PixInsight) launch(ctx context.Context, log *slog.Logger, exe string, args []string) error {
	cmd := exec.CommandContext(ctx, exe, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			log.Info("engine", "line", sc.Text())
		}
		io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	pw.Close()
	<-done
	if err != nil {
		return err
	}
	log.Info("engine exited", "code", cmd.ProcessState.ExitCode())
	return nil
}

// readSentinel reports the trimmed sentinel message. An empty file counts
// as no sentinel at all.
func readSentinel(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	msg := strings.TrimSpace(string(data))
	return msg, msg != ""
}
