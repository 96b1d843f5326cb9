package cli

import (
	"context"
	"fmt"
	"log/slog"

	"timeflow/internal/beats"
	"timeflow/internal/catalog"
	"timeflow/internal/config"
	"timeflow/internal/estimator"
	"timeflow/internal/history"
	"timeflow/internal/pipeline"
	"timeflow/internal/session"
	"timeflow/internal/storage"
	"timeflow/internal/tools"
)

// Version is the release reported by the version command.
const Version = "0.3.0"

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type photoLister interface {
	Timeline(ctx context.Context) ([]catalog.Photo, error)
}

type editor interface {
	Rotate(ctx context.Context, id string, degrees float64) (history.Result, error)
	AutoAlign(ctx context.Context, id string) (history.Result, error)
	Deflicker(ctx context.Context, id string) (history.Result, error)
	GapFill(ctx context.Context, id string) (history.Result, error)
	Undo(ctx context.Context) (history.Result, bool)
	Redo(ctx context.Context) (history.Result, bool)
	State() session.State
	PoseLandmarks(ctx context.Context, id string) ([]estimator.Point, bool, error)
}

type beatDetector interface {
	Detect(ctx context.Context, path string) (beats.Track, error)
}

type jobLister interface {
	RecentJobs(limit int) ([]storage.JobRecord, error)
}

type serverFunc func(ctx context.Context, addr, watchDir string) error

type watchFunc func(ctx context.Context, dir string) error

type surveyFunc func(ctx context.Context, cfg *config.Config) map[string]tools.Status

// Root wires CLI commands to the journal components.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	jobs     jobLister
	photos   photoLister
	editor   editor
	beats    beatDetector
	serveFn  serverFunc
	watchFn  watchFunc
	surveyFn surveyFunc
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job, progress func(int)) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID != job.ID {
				continue
			}
			if !res.Done {
				if progress != nil {
					progress(res.Progress)
				}
				continue
			}
			return res, res.Error
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}
