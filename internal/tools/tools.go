// Package tools discovers the external programs the journal shells out to.
package tools

import (
	"context"
	"os/exec"
	"strings"

	"timeflow/internal/config"
)

// Status represents the availability of a tool.
type Status struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     error  `json:"-"`
}

// Exists reports whether name resolves on PATH.
func Exists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Check verifies a binary is on PATH and asks it for a version line.
func Check(ctx context.Context, binary string) Status {
	path, err := exec.LookPath(binary)
	if err != nil {
		return Status{Available: false, Error: err}
	}

	var args []string
	switch strings.TrimSuffix(baseName(binary), ".exe") {
	case "ffmpeg", "ffprobe":
		args = []string{"-version"}
	case "exiftool":
		args = []string{"-ver"}
	default:
		return Status{Available: true, Path: path}
	}

	output, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		// some tools exit non-zero on a version query but still print it
		if len(output) > 0 {
			return Status{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return Status{Available: false, Path: path, Error: err}
	}
	return Status{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Survey checks every tool the configuration refers to, keyed by role.
func Survey(ctx context.Context, cfg *config.Config) map[string]Status {
	return map[string]Status{
		"ffmpeg":   Check(ctx, cfg.Render.FFmpegPath),
		"exiftool": Check(ctx, cfg.Ingest.ExifTool),
	}
}

// extractVersion picks the first line mentioning a version, else the first
// line.
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
