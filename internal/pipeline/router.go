package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"timeflow/internal/beats"
	"timeflow/internal/catalog"
	"timeflow/internal/render"
	"timeflow/internal/schedule"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	photos   photoSource
	beats    beatDetector
	renderer videoRenderer
	cadence  schedule.Cadence
}

type photoSource interface {
	Timeline(ctx context.Context) ([]catalog.Photo, error)
	IngestPaths(ctx context.Context, paths ...string) ([]catalog.Photo, error)
}

type beatDetector interface {
	Detect(ctx context.Context, path string) (beats.Track, error)
}

type videoRenderer interface {
	Render(ctx context.Context, req render.Request, progress func(int)) (render.Result, error)
}

// Deps are the collaborators of the job router.
type Deps struct {
	Catalog  *catalog.Catalog
	Beats    *beats.Detector
	Renderer *render.Renderer
	Cadence  schedule.Cadence
}

// NewRouter returns the Processor for export and ingest jobs.
func NewRouter(logger *slog.Logger, deps Deps) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &router{
		log:      logger,
		photos:   deps.Catalog,
		renderer: deps.Renderer,
		cadence:  deps.Cadence,
	}
	if deps.Beats != nil {
		r.beats = deps.Beats
	}
	return r
}

func (r *router) Process(ctx context.Context, job Job, report func(int)) Result {
	if report == nil {
		report = func(int) {}
	}
	switch job.Type {
	case JobExport:
		return r.handleExport(ctx, job, report)
	case JobIngest:
		return r.handleIngest(ctx, job, report)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// handleExport runs timeline -> beats -> schedule -> render.
func (r *router) handleExport(ctx context.Context, job Job, report func(int)) Result {
	audio, _ := job.Options["audio"].(string)
	split, _ := job.Options["splitScreen"].(bool)
	fps := intOption(job.Options["fps"])

	photos, err := r.photos.Timeline(ctx)
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("load timeline: %w", err)}
	}
	if len(photos) == 0 {
		return Result{Job: job, Error: render.ErrNoFrames}
	}
	paths := make([]string, len(photos))
	for i, p := range photos {
		paths[i] = p.ProxyPath
	}

	var track beats.Track
	if audio != "" && r.beats != nil {
		track, err = r.beats.Detect(ctx, audio)
		if err != nil {
			// no beats means the flat cadence
			r.log.Warn("beat detection failed", "audio", audio, "error", err)
			track = beats.Track{}
		}
	}

	frames := schedule.Frames(paths, track.Beats, r.cadence)
	res, err := r.renderer.Render(ctx, render.Request{
		Frames:      frames,
		Audio:       audio,
		Output:      job.Output,
		SplitScreen: split,
		FPS:         fps,
	}, report)

	meta := map[string]any{
		"output":   job.Output,
		"frames":   len(frames),
		"duration": schedule.Total(frames),
		"beats":    len(track.Beats),
		"tempo":    track.Tempo,
	}
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["size"] = res.Size
	return Result{Job: job, Meta: meta}
}

// handleIngest imports job.InputPath plus any extra "paths" option.
func (r *router) handleIngest(ctx context.Context, job Job, report func(int)) Result {
	var paths []string
	if job.InputPath != "" {
		paths = append(paths, job.InputPath)
	}
	switch extra := job.Options["paths"].(type) {
	case []string:
		paths = append(paths, extra...)
	case []any:
		for _, p := range extra {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	if len(paths) == 0 {
		return Result{Job: job, Error: errors.New("ingest: no input paths")}
	}

	added, err := r.photos.IngestPaths(ctx, paths...)
	ids := make([]string, len(added))
	for i, p := range added {
		ids[i] = p.ID
	}
	meta := map[string]any{"added": len(added), "ids": ids}
	if err != nil {
		meta["errors"] = err.Error()
		if len(added) == 0 {
			return Result{Job: job, Error: err, Meta: meta}
		}
		r.log.Warn("ingest partially failed", "job", job.ID, "added", len(added), "error", err)
	}
	report(100)
	return Result{Job: job, Meta: meta}
}

// intOption reads an integer option that may have passed through JSON.
func intOption(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
