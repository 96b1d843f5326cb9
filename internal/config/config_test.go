package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvConfigPath, filepath.Join(root, "absent.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Schedule.Interval != 0.1 || cfg.Schedule.FallbackGap != 0.5 || cfg.Schedule.MinDuration != 0.04 {
		t.Fatalf("unexpected schedule defaults: %+v", cfg.Schedule)
	}
	if cfg.Editing.GapFillQuality != 90 {
		t.Fatalf("expected gap-fill quality 90, got %d", cfg.Editing.GapFillQuality)
	}
	if cfg.Project.DatabasePath == "" {
		t.Fatalf("expected derived database path")
	}
}

func TestLoadJSONOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"project": {"root": "` + filepath.ToSlash(dir) + `"}, "editing": {"backend": "native", "gapfill_policy": "offset", "gapfill_offset": "6h"}, "render": {"fps": 24}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Editing.Backend != "native" || cfg.Render.FPS != 24 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Editing, cfg.Render)
	}
	offset, err := cfg.GapFillOffset()
	if err != nil || offset != 6*time.Hour {
		t.Fatalf("expected 6h offset, got %v (%v)", offset, err)
	}
	if cfg.Render.Preset != "medium" {
		t.Fatalf("expected untouched defaults to survive, got preset %q", cfg.Render.Preset)
	}
	if cfg.Project.DatabasePath != filepath.Join(dir, "data", "timeflow.db") {
		t.Fatalf("unexpected database path %s", cfg.Project.DatabasePath)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := "[schedule]\nfallback_gap = 0.25\n\n[server]\naddr = \":9000\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Schedule.FallbackGap != 0.25 || cfg.Server.Addr != ":9000" {
		t.Fatalf("toml values not applied: %+v %+v", cfg.Schedule, cfg.Server)
	}
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Editing.Backend = "gimp" }},
		{"policy", func(c *Config) { c.Editing.GapFillPolicy = "random" }},
		{"offset", func(c *Config) { c.Editing.GapFillOffset = "soon" }},
		{"timeout", func(c *Config) { c.Estimator.LandmarkTimeout = "later" }},
		{"quality", func(c *Config) { c.Editing.JPEGQuality = 101 }},
		{"schedule", func(c *Config) { c.Schedule.MinDuration = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/journal")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "journal") {
		t.Fatalf("unexpected expansion %s", got)
	}
	if got, _ := expandUser("/abs"); got != "/abs" {
		t.Fatalf("absolute path changed: %s", got)
	}
}
