package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flatmaster/internal/frames"
	"flatmaster/internal/planner"
)

// ErrNotFound is returned when a run or plan does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs, planning runs and the
// frame metadata cache.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Scan workers write cache entries concurrently.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS planning_runs (
            run_id TEXT PRIMARY KEY,
            job_id TEXT,
            status TEXT NOT NULL,
            flat_roots TEXT,
            dark_roots TEXT,
            jobs INTEGER,
            groups_planned INTEGER,
            dark_builds INTEGER,
            failures INTEGER,
            plan_json TEXT,
            stats_json TEXT,
            created_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS skip_reports (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            directory TEXT NOT NULL,
            exposure_key TEXT,
            file_count INTEGER,
            reason TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS frame_metadata (
            file_path TEXT PRIMARY KEY,
            file_size INTEGER NOT NULL,
            mod_time INTEGER NOT NULL,
            exposure REAL,
            binning TEXT,
            gain REAL,
            offset_value REAL,
            temperature REAL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_skip_reports_run_id ON skip_reports(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_planning_runs_created_at ON planning_runs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RunRecord is the summary row of a planning run.
type RunRecord struct {
	RunID       string         `json:"run_id"`
	JobID       string         `json:"job_id,omitempty"`
	Status      string         `json:"status"`
	FlatRoots   []string       `json:"flat_roots"`
	DarkRoots   []string       `json:"dark_roots"`
	Jobs        int            `json:"jobs"`
	Groups      int            `json:"groups"`
	DarkBuilds  int            `json:"dark_builds"`
	Failures    int            `json:"failures"`
	Stats       map[string]int `json:"stats,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

const rootSep = "\n"

// SavePlan persists a plan and its skip reports with the given status.
func (s *Store) SavePlan(plan *planner.Plan, jobID, status string) error {
	if s == nil || plan == nil {
		return nil
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	statsJSON, _ := json.Marshal(plan.Stats)

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO planning_runs (run_id, job_id, status, flat_roots, dark_roots, jobs, groups_planned, dark_builds, failures, plan_json, stats_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		plan.RunID, jobID, status,
		strings.Join(plan.FlatRoots, rootSep), strings.Join(plan.DarkRoots, rootSep),
		len(plan.Jobs), plan.GroupCount(), len(plan.DarkBuilds), len(plan.Failures),
		string(planJSON), string(statsJSON), plan.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM skip_reports WHERE run_id=?;`, plan.RunID); err != nil {
		return err
	}
	for _, sk := range plan.Skips {
		if _, err := tx.Exec(`INSERT INTO skip_reports (run_id, directory, exposure_key, file_count, reason) VALUES (?, ?, ?, ?, ?);`,
			plan.RunID, sk.Directory, sk.ExposureKey, sk.Count, sk.Reason); err != nil {
			return fmt.Errorf("insert skip: %w", err)
		}
	}
	return tx.Commit()
}

// RecordRunResult finalizes a run after the engine returns.
func (s *Store) RecordRunResult(runID, status, errMsg string) error {
	if s == nil {
		return nil
	}
	res, err := s.DB.Exec(`UPDATE planning_runs SET status=?, completed_at=?, error_message=? WHERE run_id=?;`,
		status, time.Now().UTC(), errMsg, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const runColumns = `run_id, job_id, status, flat_roots, dark_roots, jobs, groups_planned, dark_builds, failures, stats_json, created_at, completed_at, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var jobID, flatRoots, darkRoots, statsJSON, errMsg sql.NullString
	var completed sql.NullTime
	if err := row.Scan(&rec.RunID, &jobID, &rec.Status, &flatRoots, &darkRoots, &rec.Jobs, &rec.Groups, &rec.DarkBuilds, &rec.Failures, &statsJSON, &rec.CreatedAt, &completed, &errMsg); err != nil {
		return rec, err
	}
	rec.JobID = jobID.String
	rec.FlatRoots = splitRoots(flatRoots.String)
	rec.DarkRoots = splitRoots(darkRoots.String)
	rec.Error = errMsg.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if statsJSON.Valid && statsJSON.String != "" {
		_ = json.Unmarshal([]byte(statsJSON.String), &rec.Stats)
	}
	return rec, nil
}

func splitRoots(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, rootSep)
}

// RecentRuns returns the latest planning runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM planning_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run summary.
func (s *Store) Run(runID string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM planning_runs WHERE run_id=?;`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return rec, err
}

// Plan loads the full plan of a run.
func (s *Store) Plan(runID string) (*planner.Plan, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.loadPlan(s.DB.QueryRow(`SELECT plan_json FROM planning_runs WHERE run_id=?;`, runID), runID)
}

// LatestPlan loads the most recently created plan.
func (s *Store) LatestPlan() (*planner.Plan, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.loadPlan(s.DB.QueryRow(`SELECT plan_json FROM planning_runs ORDER BY created_at DESC, rowid DESC LIMIT 1;`), "latest")
}

func (s *Store) loadPlan(row *sql.Row, label string) (*planner.Plan, error) {
	var planJSON string
	if err := row.Scan(&planJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("plan %s: %w", label, ErrNotFound)
		}
		return nil, err
	}
	var plan planner.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &plan, nil
}

// Skips returns the skip reports of a run in insertion order.
func (s *Store) Skips(runID string) ([]planner.Skip, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT directory, exposure_key, file_count, reason FROM skip_reports WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []planner.Skip
	for rows.Next() {
		var sk planner.Skip
		var key, reason sql.NullString
		if err := rows.Scan(&sk.Directory, &key, &sk.Count, &reason); err != nil {
			return nil, err
		}
		sk.ExposureKey = key.String
		sk.Reason = reason.String
		out = append(out, sk)
	}
	return out, rows.Err()
}

// LookupMetadata returns cached metadata when size and mtime still match.
func (s *Store) LookupMetadata(path string, size int64, modTime time.Time) (frames.Metadata, bool, error) {
	var m frames.Metadata
	if s == nil {
		return m, false, nil
	}
	var exposure, gain, offset, temp sql.NullFloat64
	var binning sql.NullString
	err := s.DB.QueryRow(`SELECT exposure, binning, gain, offset_value, temperature FROM frame_metadata WHERE file_path=? AND file_size=? AND mod_time=?;`,
		path, size, modTime.UnixNano()).Scan(&exposure, &binning, &gain, &offset, &temp)
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, err
	}
	m.Exposure = nullFloat(exposure)
	m.Gain = nullFloat(gain)
	m.Offset = nullFloat(offset)
	m.Temperature = nullFloat(temp)
	if binning.Valid {
		b := binning.String
		m.Binning = &b
	}
	return m, true, nil
}

// StoreMetadata caches metadata for a file version.
func (s *Store) StoreMetadata(path string, size int64, modTime time.Time, m frames.Metadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_metadata (file_path, file_size, mod_time, exposure, binning, gain, offset_value, temperature, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		path, size, modTime.UnixNano(), m.Exposure, m.Binning, m.Gain, m.Offset, m.Temperature)
	return err
}

// PruneMetadata drops cache rows older than cutoff and reports how many went.
func (s *Store) PruneMetadata(cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	res, err := s.DB.Exec(`DELETE FROM frame_metadata WHERE updated_at < ?;`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
