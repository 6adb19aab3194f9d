package planner

import (
	"errors"
	"fmt"
	"time"

	"flatmaster/internal/calib"
)

var (
	// ErrEmptyPlan means no directory produced a runnable job.
	ErrEmptyPlan = errors.New("no calibration jobs planned")
	// ErrEmptyCatalog means no usable dark was found under the dark roots.
	ErrEmptyCatalog = errors.New("dark catalog is empty")
)

// GroupPlan is one exposure group with everything resolved for it.
type GroupPlan struct {
	calib.ExposureGroup
	Label         string           `json:"label"`
	Dark          calib.Selection  `json:"dark"`
	Rejection     calib.Rejection  `json:"rejection"`
	CalibratedDir string           `json:"calibrated_dir"`
	MasterPath    string           `json:"master_path"`
	Stats         calib.GroupStats `json:"stats"`
}

// Job is the calibration work for a single flat directory.
type Job struct {
	Directory    string      `json:"directory"`
	BaseRoot     string      `json:"base_root,omitempty"`
	OutputRoot   string      `json:"output_root"`
	RelativePath string      `json:"relative_path"`
	OutputDir    string      `json:"output_dir"`
	Groups       []GroupPlan `json:"groups"`
}

// DarkBuild schedules the combination of raw darks into a cached master.
type DarkBuild struct {
	Kind      calib.Kind      `json:"kind"`
	Exposure  float64         `json:"exposure"`
	Key       string          `json:"key"`
	Sources   []string        `json:"sources"`
	Output    string          `json:"output"`
	Rejection calib.Rejection `json:"rejection"`
}

// Skip records a directory or exposure bucket left out of the plan.
type Skip struct {
	Directory   string `json:"directory"`
	ExposureKey string `json:"exposure_key,omitempty"`
	Count       int    `json:"count"`
	Reason      string `json:"reason"`
}

// Failure records a directory dropped because a group had no dark.
type Failure struct {
	Directory   string `json:"directory"`
	ExposureKey string `json:"exposure_key"`
	Error       string `json:"error"`
}

// Stats summarizes a planning run.
type Stats struct {
	Dirs            int `json:"dirs"`
	Pruned          int `json:"pruned"`
	Listed          int `json:"listed"`
	Candidates      int `json:"candidates"`
	Unreadable      int `json:"unreadable"`
	WithExposure    int `json:"with_exp"`
	MissingExposure int `json:"missing_exp"`
	GroupsSkipped   int `json:"groups_skipped"`
	DirsSkipped     int `json:"dirs_skipped"`
	DarkCandidates  int `json:"dark_candidates"`
	DarksIndexed    int `json:"darks_indexed"`
	Jobs            int `json:"jobs"`
	Groups          int `json:"groups"`
	DarkBuilds      int `json:"dark_builds"`
	Failures        int `json:"failures"`
}

// Map flattens the counters for logging.
func (s Stats) Map() map[string]int {
	return map[string]int{
		"dirs":           s.Dirs,
		"pruned":         s.Pruned,
		"listed":         s.Listed,
		"candidates":     s.Candidates,
		"unreadable":     s.Unreadable,
		"with_exp":       s.WithExposure,
		"missing_exp":    s.MissingExposure,
		"groups_skipped": s.GroupsSkipped,
		"dirs_skipped":   s.DirsSkipped,
	}
}

// Plan is the declarative build payload handed to the engine.
type Plan struct {
	RunID            string            `json:"run_id"`
	CreatedAt        time.Time         `json:"created_at"`
	FlatRoots        []string          `json:"flat_roots"`
	DarkRoots        []string          `json:"dark_roots"`
	Jobs             []Job             `json:"jobs"`
	DarkBuilds       []DarkBuild       `json:"dark_builds"`
	DarkCatalog      []calib.Entry     `json:"dark_catalog"`
	Match            calib.MatchPolicy `json:"match"`
	DarkRejection    calib.Rejection   `json:"dark_rejection"`
	CacheDir         string            `json:"cache_dir"`
	SentinelPath     string            `json:"sentinel_path"`
	DeleteCalibrated bool              `json:"delete_calibrated"`
	XISFHintsCal     string            `json:"xisf_hints_cal"`
	XISFHintsMaster  string            `json:"xisf_hints_master"`
	Skips            []Skip            `json:"skips"`
	Failures         []Failure         `json:"failures"`
	Stats            Stats             `json:"stats"`
}

// Validate runs the checks that must pass before the engine is started.
func (p *Plan) Validate() error {
	if p == nil {
		return ErrEmptyPlan
	}
	if len(p.DarkCatalog) == 0 {
		return ErrEmptyCatalog
	}
	if len(p.Jobs) == 0 {
		if len(p.Failures) > 0 {
			return fmt.Errorf("%w: %d directories failed dark selection", ErrEmptyPlan, len(p.Failures))
		}
		return ErrEmptyPlan
	}
	for _, job := range p.Jobs {
		if len(job.Groups) == 0 {
			return fmt.Errorf("job %s: no groups", job.Directory)
		}
		for _, g := range job.Groups {
			if len(g.Files) < calib.MinSamples {
				return fmt.Errorf("job %s exposure %ss: %w", job.Directory, g.Key, calib.ErrTooFewFrames)
			}
			if g.Dark.Path == "" {
				return fmt.Errorf("job %s exposure %ss: %w", job.Directory, g.Key, calib.ErrNoDark)
			}
		}
	}
	return nil
}

// GroupCount returns the number of exposure groups across all jobs.
func (p *Plan) GroupCount() int {
	n := 0
	for _, job := range p.Jobs {
		n += len(job.Groups)
	}
	return n
}

// CalibratedDirs lists every calibrated output directory in job order.
func (p *Plan) CalibratedDirs() []string {
	var out []string
	for _, job := range p.Jobs {
		for _, g := range job.Groups {
			out = append(out, g.CalibratedDir)
		}
	}
	return out
}
