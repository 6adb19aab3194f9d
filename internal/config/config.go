package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath    = "~/.config/flatmaster/config.json"
	defaultMinSamples    = 3
	defaultMaxHeader     = 4 << 20
	defaultTempDelta     = 5.0
	defaultRetentionDays = 90
	minWorkers           = 4
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "FLATMASTER_CONFIG"

// Config holds user-editable settings for planning runs.
type Config struct {
	Scan    Scan    `json:"scan" yaml:"scan"`
	Match   Match   `json:"match" yaml:"match"`
	Engine  Engine  `json:"engine" yaml:"engine"`
	Server  Server  `json:"server" yaml:"server"`
	Watch   Watch   `json:"watch" yaml:"watch"`
	Logging Logging `json:"logging" yaml:"logging"`
	Paths   Paths   `json:"paths" yaml:"paths"`
}

// Scan controls directory discovery and header extraction.
type Scan struct {
	FlatRoots      []string `json:"flat_roots" yaml:"flat_roots"`
	DarkRoots      []string `json:"dark_roots" yaml:"dark_roots"`
	SkipDirs       []string `json:"skip_dirs" yaml:"skip_dirs"` // extra names pruned on top of the built-in set
	Workers        int      `json:"workers" yaml:"workers"`
	MinSamples     int      `json:"min_samples" yaml:"min_samples"`
	MaxHeaderBytes int64    `json:"max_header_bytes" yaml:"max_header_bytes"`
	CacheMetadata  bool     `json:"cache_metadata" yaml:"cache_metadata"`

	// Cached metadata rows older than this many days are dropped at startup; 0 keeps them.
	MetadataRetentionDays int `json:"metadata_retention_days" yaml:"metadata_retention_days"`
}

// Match configures dark scoring and the nearest-exposure fallback.
type Match struct {
	EnforceBinning       bool    `json:"enforce_binning" yaml:"enforce_binning"`
	MatchGain            bool    `json:"match_gain" yaml:"match_gain"`
	MatchOffset          bool    `json:"match_offset" yaml:"match_offset"`
	MatchTemperature     bool    `json:"match_temperature" yaml:"match_temperature"`
	MaxTempDeltaC        float64 `json:"max_temp_delta_c" yaml:"max_temp_delta_c"`
	AllowNearestExposure bool    `json:"allow_nearest_exposure" yaml:"allow_nearest_exposure"`
}

// Engine describes how the external integration engine is driven.
type Engine struct {
	Executable         string `json:"executable" yaml:"executable"`
	WorkDir            string `json:"work_dir" yaml:"work_dir"`
	SentinelPath       string `json:"sentinel_path" yaml:"sentinel_path"`
	CacheDir           string `json:"cache_dir" yaml:"cache_dir"` // empty: _DarkMasters under the first dark root
	CalibratedSubdir   string `json:"calibrated_subdir" yaml:"calibrated_subdir"`
	OutputSuffix       string `json:"output_suffix" yaml:"output_suffix"`
	DeleteCalibrated   bool   `json:"delete_calibrated" yaml:"delete_calibrated"`
	ReuseCachedMasters bool   `json:"reuse_cached_masters" yaml:"reuse_cached_masters"`
	XISFHintsCal       string `json:"xisf_hints_cal" yaml:"xisf_hints_cal"`
	XISFHintsMaster    string `json:"xisf_hints_master" yaml:"xisf_hints_master"`
}

// Server holds listen addresses for the long-running modes.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Watch tunes the filesystem watcher.
type Watch struct {
	DebounceMS int `json:"debounce_ms" yaml:"debounce_ms"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures persistent locations.
type Paths struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Path returns the config file location honouring FLATMASTER_CONFIG.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the given file. A missing file yields the defaults.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// Validate reports settings that would make a planning run meaningless.
func (c *Config) Validate() error {
	var errs []error
	if c.Scan.MinSamples < defaultMinSamples {
		errs = append(errs, fmt.Errorf("scan.min_samples must be >= %d, got %d", defaultMinSamples, c.Scan.MinSamples))
	}
	if c.Scan.MaxHeaderBytes <= 0 {
		errs = append(errs, errors.New("scan.max_header_bytes must be positive"))
	}
	if c.Scan.MetadataRetentionDays < 0 {
		errs = append(errs, errors.New("scan.metadata_retention_days must not be negative"))
	}
	if c.Match.MaxTempDeltaC <= 0 {
		errs = append(errs, errors.New("match.max_temp_delta_c must be positive"))
	}
	if strings.TrimSpace(c.Engine.OutputSuffix) == "" {
		errs = append(errs, errors.New("engine.output_suffix must not be empty"))
	}
	if strings.TrimSpace(c.Engine.CalibratedSubdir) == "" {
		errs = append(errs, errors.New("engine.calibrated_subdir must not be empty"))
	}
	return errors.Join(errs...)
}

// EffectiveWorkers returns the extraction pool width, never below four.
func (s Scan) EffectiveWorkers() int {
	n := s.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < minWorkers {
		n = minWorkers
	}
	return n
}

func (c *Config) normalize() {
	for i, root := range c.Scan.FlatRoots {
		if p, err := expandUser(root); err == nil {
			c.Scan.FlatRoots[i] = p
		}
	}
	for i, root := range c.Scan.DarkRoots {
		if p, err := expandUser(root); err == nil {
			c.Scan.DarkRoots[i] = p
		}
	}
	if p, err := expandUser(c.Paths.DatabasePath); err == nil {
		c.Paths.DatabasePath = p
	}
	if p, err := expandUser(c.Logging.LogDir); err == nil {
		c.Logging.LogDir = p
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Scan: Scan{
			MinSamples:     defaultMinSamples,
			MaxHeaderBytes: defaultMaxHeader,
			CacheMetadata:  true,

			MetadataRetentionDays: defaultRetentionDays,
		},
		Match: Match{
			EnforceBinning:       true,
			MatchGain:            true,
			MatchOffset:          true,
			MatchTemperature:     true,
			MaxTempDeltaC:        defaultTempDelta,
			AllowNearestExposure: true,
		},
		Engine: Engine{
			Executable:         "PixInsight",
			WorkDir:            filepath.Join(os.TempDir(), "flatmaster"),
			CalibratedSubdir:   "_CalibratedFlats",
			OutputSuffix:       "_processed",
			ReuseCachedMasters: true,
			XISFHintsMaster:    "compression-codec zlib+sh; compression-level 9; checksum sha1",
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
		Watch: Watch{
			DebounceMS: 2000,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "flatmaster.db"),
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
