package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/neuroprep/config.json"
	defaultWorkers    = 1
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing        `json:"processing"`
	Logging    Logging           `json:"logging"`
	Paths      Paths             `json:"paths"`
	Engines    EnginePreferences `json:"engines"`
	Service    Service           `json:"service"`
}

// Processing captures execution preferences for a run.
type Processing struct {
	Device          string `json:"device"` // gpu, cpu
	TempDir         string `json:"temp_dir"`
	AtlasPath       string `json:"atlas_path"`
	AtlasCorrection bool   `json:"atlas_correction"`
	BiasCorrection  bool   `json:"bias_correction"`
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

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// EnginePreferences defines which external engine to use per capability.
type EnginePreferences struct {
	Registration    RegistrationEngine    `json:"registration"`
	BrainExtraction BrainExtractionEngine `json:"brain_extraction"`
	Defacing        DefacingEngine        `json:"defacing"`
	BiasCorrection  BiasCorrectionEngine  `json:"bias_correction"`
}

type RegistrationEngine struct {
	Preferred    string   `json:"preferred"` // "ants", "niftyreg", "greedy"
	Fallbacks    []string `json:"fallbacks"`
	Interpolator string   `json:"interpolator"` // empty keeps each backend's default
}

type BrainExtractionEngine struct {
	Preferred string   `json:"preferred"` // "hdbet", "synthstrip"
	Fallbacks []string `json:"fallbacks"`
	Mode      string   `json:"mode"` // "accurate", "fast"
}

type DefacingEngine struct {
	Engine string  `json:"engine"` // "quickshear"
	Buffer float64 `json:"buffer"` // shear plane offset in voxels
}

type BiasCorrectionEngine struct {
	Preferred string `json:"preferred"` // "n4-ants"
	Shrink    int    `json:"shrink"`
}

// Service configures watch-and-process mode.
type Service struct {
	WatchDirs     []string `json:"watch_dirs"`
	SettleSeconds int      `json:"settle_seconds"` // quiet time before a subject dir is submitted
	ListenAddr    string   `json:"listen_addr"`
	QueueSize     int      `json:"queue_size"`
	Workers       int      `json:"workers"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("NEUROPREP_CONFIG")
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
			Device:    "gpu",
			TempDir:   os.TempDir(),
			AtlasPath: "",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "neuroprep.db"),
		},
		Engines: EnginePreferences{
			Registration: RegistrationEngine{
				Preferred: "ants",
				Fallbacks: []string{"niftyreg", "greedy"},
			},
			BrainExtraction: BrainExtractionEngine{
				Preferred: "hdbet",
				Fallbacks: []string{"synthstrip"},
				Mode:      "accurate",
			},
			Defacing: DefacingEngine{
				Engine: "quickshear",
				Buffer: 10,
			},
			BiasCorrection: BiasCorrectionEngine{
				Preferred: "n4-ants",
				Shrink:    4,
			},
		},
		Service: Service{
			SettleSeconds: 30,
			ListenAddr:    ":8385",
			QueueSize:     16,
			Workers:       defaultWorkers,
		},
	}
}

// DefaultPath returns the expanded default config file location.
func DefaultPath() (string, error) {
	return expandUser(defaultConfigPath)
}

// Write stores cfg as indented JSON at path, creating parent directories.
func Write(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0o644)
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
