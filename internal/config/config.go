package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/insarstack/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for stack processing.
type Config struct {
	Processing Processing    `json:"processing"`
	Logging    Logging       `json:"logging"`
	Paths      Paths         `json:"paths"`
	Tree       TreeConfig    `json:"tree"`
	Coreg      CoregConfig   `json:"coregistration"`
	Toolkit    ToolkitConfig `json:"toolkit"`
	Server     ServerConfig  `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
	KeepTemp     bool   `json:"keep_temp"` // retain per-iteration scratch files for inspection
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures the stack directory layout.
type Paths struct {
	OutputDir    string `json:"output_dir"`    // stack products root
	WorkDir      string `json:"work_dir"`      // completion markers and run scratch
	ListDir      string `json:"list_dir"`      // tier / pair list files, relative to output
	SLCDir       string `json:"slc_dir"`       // per-scene SLC directories, relative to output
	DEMDir       string `json:"dem_dir"`       // reference DEM products, relative to output
	IFGDir       string `json:"ifg_dir"`       // interferogram pair directories, relative to output
	DatabasePath string `json:"database_path"` // run history database
}

// SLCPath resolves the per-scene data directory.
func (p Paths) SLCPath() string { return filepath.Join(p.OutputDir, p.SLCDir) }

// ListPath resolves the list file directory.
func (p Paths) ListPath() string { return filepath.Join(p.OutputDir, p.ListDir) }

// DEMPath resolves the reference DEM product directory.
func (p Paths) DEMPath() string { return filepath.Join(p.OutputDir, p.DEMDir) }

// IFGPath resolves the interferogram pair directory.
func (p Paths) IFGPath() string { return filepath.Join(p.OutputDir, p.IFGDir) }

// TreeConfig controls coregistration tree construction.
type TreeConfig struct {
	// ThresholdDays is the temporal window for tier membership. 63 days is
	// a compromise between runtime and coregistration success for S1A/B
	// repeat cycles (54, 60, 66 days).
	ThresholdDays int `json:"threshold_days"`

	// IncludeClosest substitutes the single closest scene on a side whose
	// window is empty, so sparse stacks stay connected.
	IncludeClosest bool `json:"include_closest"`

	// ReferenceScene pins the stack reference date (YYYYMMDD). Empty means
	// the median acquisition date is used.
	ReferenceScene string `json:"reference_scene"`
}

// CoregConfig controls the pair alignment convergence loop.
type CoregConfig struct {
	MaxIterations          int     `json:"max_iterations"`
	CoarseAzimuthThreshold float64 `json:"coarse_azimuth_threshold"` // pixels
	FineOffsetTarget       float64 `json:"fine_offset_target"`       // pixels
	CCThresh               float64 `json:"cc_thresh"`                // coherence mask gate
	FracThresh             float64 `json:"frac_thresh"`              // valid-fraction sample gate
	StdevThresh            float64 `json:"stdev_thresh"`             // phase stdev sample gate (rad)
	RangeStepMin           int     `json:"range_step_min"`
	AzimuthStepMin         int     `json:"azimuth_step_min"`
	RangeLooks             int     `json:"range_looks"`
	AzimuthLooks           int     `json:"azimuth_looks"`
	Polarisation           string  `json:"polarisation"`
}

// ToolkitConfig locates and bounds the external toolkit.
type ToolkitConfig struct {
	BinDir         string `json:"bin_dir"`         // empty = resolve on PATH
	CeilingMinutes int    `json:"ceiling_minutes"` // per-invocation ceiling, 0 = none
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("INSARSTACK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Paths: Paths{
			OutputDir:    "./stack",
			WorkDir:      "./stack/work",
			ListDir:      "lists",
			SLCDir:       "SLC",
			DEMDir:       "DEM",
			IFGDir:       "IFG",
			DatabasePath: filepath.Join(os.TempDir(), "insarstack.db"),
		},
		Tree: TreeConfig{
			ThresholdDays:  63,
			IncludeClosest: true,
		},
		Coreg: CoregConfig{
			MaxIterations:          5,
			CoarseAzimuthThreshold: 0.01,
			FineOffsetTarget:       0.0001,
			CCThresh:               0.8,
			FracThresh:             0.01,
			StdevThresh:            0.8,
			RangeStepMin:           64,
			AzimuthStepMin:         32,
			RangeLooks:             8,
			AzimuthLooks:           2,
			Polarisation:           "VV",
		},
		Toolkit: ToolkitConfig{
			CeilingMinutes: 240,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8270",
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
