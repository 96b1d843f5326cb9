package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultConfigPath = "~/.config/timeflow/config.json"
	defaultParallel   = 2

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "TIMEFLOW_CONFIG"
)

// Config holds user-editable settings for the journal.
type Config struct {
	Project    Project    `json:"project" toml:"project"`
	Processing Processing `json:"processing" toml:"processing"`
	Logging    Logging    `json:"logging" toml:"logging"`
	Editing    Editing    `json:"editing" toml:"editing"`
	Schedule   Schedule   `json:"schedule" toml:"schedule"`
	Estimator  Estimator  `json:"estimator" toml:"estimator"`
	Ingest     Ingest     `json:"ingest" toml:"ingest"`
	Render     Render     `json:"render" toml:"render"`
	Server     Server     `json:"server" toml:"server"`
}

// Project locates the journal on disk.
type Project struct {
	Root         string `json:"root" toml:"root"`
	DatabasePath string `json:"database_path" toml:"database_path"` // defaults to <root>/data/timeflow.db
}

// Processing captures background execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs" toml:"parallel_jobs"`
	TempDir      string `json:"temp_dir" toml:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`         // Directory for log files
}

// Editing configures the photo-correction commands.
type Editing struct {
	Backend        string `json:"backend" toml:"backend"` // auto, imagick, native
	JPEGQuality    int    `json:"jpeg_quality" toml:"jpeg_quality"`
	GapFillQuality int    `json:"gapfill_quality" toml:"gapfill_quality"`
	GapFillPolicy  string `json:"gapfill_policy" toml:"gapfill_policy"` // midpoint, offset
	GapFillOffset  string `json:"gapfill_offset" toml:"gapfill_offset"` // used by the offset policy
}

// Schedule holds the frame cadence constants, in seconds.
type Schedule struct {
	Interval        float64 `json:"interval" toml:"interval"`
	FallbackGap     float64 `json:"fallback_gap" toml:"fallback_gap"`
	MinDuration     float64 `json:"min_duration" toml:"min_duration"`
	LastDuration    float64 `json:"last_duration" toml:"last_duration"`
	OriginThreshold float64 `json:"origin_threshold" toml:"origin_threshold"`
}

// Estimator configures the face and pose detectors.
type Estimator struct {
	LandmarkSocket   string  `json:"landmark_socket" toml:"landmark_socket"`
	LandmarkTimeout  string  `json:"landmark_timeout" toml:"landmark_timeout"`
	FaceCascade      string  `json:"face_cascade" toml:"face_cascade"`
	PuplocCascade    string  `json:"puploc_cascade" toml:"puploc_cascade"`
	MinFaceSize      int     `json:"min_face_size" toml:"min_face_size"`
	QualityThreshold float64 `json:"quality_threshold" toml:"quality_threshold"`
}

// Ingest configures photo import.
type Ingest struct {
	ProxySize    int    `json:"proxy_size" toml:"proxy_size"`
	ProxyQuality int    `json:"proxy_quality" toml:"proxy_quality"`
	WatchDir     string `json:"watch_dir" toml:"watch_dir"`
	ExifTool     string `json:"exiftool" toml:"exiftool"`
}

// Render configures video assembly.
type Render struct {
	FFmpegPath  string `json:"ffmpeg_path" toml:"ffmpeg_path"`
	FPS         int    `json:"fps" toml:"fps"`
	Codec       string `json:"codec" toml:"codec"`
	Preset      string `json:"preset" toml:"preset"`
	AudioCodec  string `json:"audio_codec" toml:"audio_codec"`
	Threads     int    `json:"threads" toml:"threads"`
	SplitScreen bool   `json:"split_screen" toml:"split_screen"`
	OutputDir   string `json:"output_dir" toml:"output_dir"`
}

// Server configures the HTTP editing surface.
type Server struct {
	Addr string `json:"addr" toml:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// Path returns the config file location Load reads.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// LoadFile reads the config at path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		cfg.resolve()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(expanded), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", expanded, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.resolve()
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Project: Project{
			Root: "~/timeflow",
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Editing: Editing{
			Backend:        "auto",
			JPEGQuality:    95,
			GapFillQuality: 90,
			GapFillPolicy:  "midpoint",
			GapFillOffset:  "12h",
		},
		Schedule: Schedule{
			Interval:        0.1,
			FallbackGap:     0.5,
			MinDuration:     0.04,
			LastDuration:    0.1,
			OriginThreshold: 1.0,
		},
		Estimator: Estimator{
			LandmarkTimeout:  "2s",
			MinFaceSize:      40,
			QualityThreshold: 5.0,
		},
		Ingest: Ingest{
			ProxySize:    500,
			ProxyQuality: 80,
			ExifTool:     "exiftool",
		},
		Render: Render{
			FFmpegPath: "ffmpeg",
			FPS:        30,
			Codec:      "libx264",
			Preset:     "medium",
			AudioCodec: "aac",
			Threads:    4,
		},
		Server: Server{
			Addr: "127.0.0.1:8420",
		},
	}
}

// Validate rejects values the editing engine cannot work with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Editing.Backend) {
	case "", "auto", "imagick", "native":
	default:
		return fmt.Errorf("editing.backend: unknown backend %q", c.Editing.Backend)
	}
	switch strings.ToLower(c.Editing.GapFillPolicy) {
	case "", "midpoint", "offset":
	default:
		return fmt.Errorf("editing.gapfill_policy: unknown policy %q", c.Editing.GapFillPolicy)
	}
	if _, err := c.GapFillOffset(); err != nil {
		return fmt.Errorf("editing.gapfill_offset: %w", err)
	}
	if _, err := c.LandmarkTimeout(); err != nil {
		return fmt.Errorf("estimator.landmark_timeout: %w", err)
	}
	if c.Editing.JPEGQuality < 0 || c.Editing.JPEGQuality > 100 {
		return fmt.Errorf("editing.jpeg_quality: %d out of range", c.Editing.JPEGQuality)
	}
	if c.Schedule.Interval < 0 || c.Schedule.FallbackGap < 0 || c.Schedule.MinDuration < 0 {
		return errors.New("schedule: durations must not be negative")
	}
	return nil
}

// GapFillOffset parses the offset used by the offset gap-fill policy.
func (c *Config) GapFillOffset() (time.Duration, error) {
	if c.Editing.GapFillOffset == "" {
		return 12 * time.Hour, nil
	}
	return time.ParseDuration(c.Editing.GapFillOffset)
}

// LandmarkTimeout parses the landmark service deadline.
func (c *Config) LandmarkTimeout() (time.Duration, error) {
	if c.Estimator.LandmarkTimeout == "" {
		return 2 * time.Second, nil
	}
	return time.ParseDuration(c.Estimator.LandmarkTimeout)
}

// Dirs returns the originals, proxies and data directories of the project.
func (c *Config) Dirs() (originals, proxies, data string) {
	return filepath.Join(c.Project.Root, "originals"),
		filepath.Join(c.Project.Root, "proxies"),
		filepath.Join(c.Project.Root, "data")
}

// resolve expands user paths and fills derived locations.
func (c *Config) resolve() {
	if root, err := expandUser(c.Project.Root); err == nil {
		c.Project.Root = root
	}
	if c.Project.DatabasePath == "" {
		c.Project.DatabasePath = filepath.Join(c.Project.Root, "data", "timeflow.db")
	} else if db, err := expandUser(c.Project.DatabasePath); err == nil {
		c.Project.DatabasePath = db
	}
	if dir, err := expandUser(c.Ingest.WatchDir); err == nil {
		c.Ingest.WatchDir = dir
	}
	if dir, err := expandUser(c.Render.OutputDir); err == nil {
		c.Render.OutputDir = dir
	}
	if c.Render.OutputDir == "" {
		c.Render.OutputDir = filepath.Join(c.Project.Root, "exports")
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
