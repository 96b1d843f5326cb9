package cli

import (
	"context"
	"fmt"
	"log/slog"

	"timeflow/internal/beats"
	"timeflow/internal/brightness"
	"timeflow/internal/catalog"
	"timeflow/internal/config"
	"timeflow/internal/estimator"
	"timeflow/internal/logging"
	"timeflow/internal/pipeline"
	"timeflow/internal/raster"
	"timeflow/internal/raster/magick"
	"timeflow/internal/render"
	"timeflow/internal/schedule"
	"timeflow/internal/server"
	"timeflow/internal/session"
	"timeflow/internal/storage"
	"timeflow/internal/tools"
	"timeflow/internal/watch"
)

// Build opens the project described by cfg and wires every component. The
// returned cleanup stops the workers and closes the database.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Root, func(), error) {
	store, err := storage.New(cfg.Project.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	opts := raster.Options{
		JPEGQuality:  cfg.Editing.JPEGQuality,
		BlendQuality: cfg.Editing.GapFillQuality,
		ThumbQuality: cfg.Ingest.ProxyQuality,
	}
	var mw *magick.Backend
	candidates := []raster.Backend{raster.NewNative(opts)}
	if cfg.Editing.Backend != "native" {
		mw = magick.New(opts)
		candidates = append([]raster.Backend{mw}, candidates...)
	}
	backend, err := raster.Select(cfg.Editing.Backend, log, candidates...)
	if err != nil {
		if mw != nil {
			mw.Close()
		}
		store.Close()
		return nil, nil, err
	}

	for name, st := range tools.Survey(ctx, cfg) {
		logging.LogToolStatus(log, name, st.Available, st.Path, st.Error)
	}

	cat := catalog.FromConfig(cfg, store, backend, log)
	est := estimator.FromConfig(cfg, log)
	sess := session.New(session.Deps{
		Catalog:   cat,
		Backend:   backend,
		Estimator: est,
		Matcher:   brightness.NewMatcher(backend),
		IDs:       cat.IDs(),
	}, log)
	det := beats.NewDetector(cfg.Render.FFmpegPath, cfg.Processing.TempDir, cfg.Schedule.OriginThreshold, log)
	proc := pipeline.NewRouter(log, pipeline.Deps{
		Catalog:  cat,
		Beats:    det,
		Renderer: render.New(render.OptionsFromConfig(cfg), log),
		Cadence:  schedule.FromConfig(cfg.Schedule),
	})
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, proc)

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      log,
		jobs:     store,
		photos:   cat,
		editor:   sess,
		beats:    det,
		surveyFn: tools.Survey,
	}
	root.watchFn = func(ctx context.Context, dir string) error {
		return watch.New(dir, pipe, 0, log).Run(ctx)
	}
	root.serveFn = func(ctx context.Context, addr, watchDir string) error {
		if watchDir != "" {
			go func() {
				if err := root.watchFn(ctx, watchDir); err != nil {
					log.Error("inbox watcher stopped", "dir", watchDir, "error", err)
				}
			}()
		}
		return server.New(addr, cat, sess, pipe, store, log).Start(ctx)
	}

	cleanup := func() {
		pipe.Stop()
		sess.Close()
		est.Close()
		if mw != nil {
			mw.Close()
		}
		store.Close()
	}
	return root, cleanup, nil
}
