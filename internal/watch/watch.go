// Package watch turns photos dropped into an inbox directory into ingest
// jobs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"timeflow/internal/fsutil"
	"timeflow/internal/ident"
	"timeflow/internal/pipeline"
)

// DefaultSettle is how long a file must stay quiet before it is ingested.
const DefaultSettle = 2 * time.Second

// Submitter queues jobs.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher batches new inbox files into ingest jobs.
type Watcher struct {
	dir    string
	jobs   Submitter
	settle time.Duration
	log    *slog.Logger

	pending map[string]time.Time
}

// New returns a watcher on dir. settle <= 0 means DefaultSettle.
func New(dir string, jobs Submitter, settle time.Duration, log *slog.Logger) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		dir:     dir,
		jobs:    jobs,
		settle:  settle,
		log:     log,
		pending: make(map[string]time.Time),
	}
}

// Run watches until ctx ends. Files still pending at shutdown are
// submitted before returning.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("Watching inbox", "dir", w.dir, "settle", w.settle)

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(time.Time{})
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.observe(event)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watcher error", "error", err)

		case now := <-ticker.C:
			w.flush(now.Add(-w.settle))
		}
	}
}

func (w *Watcher) observe(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !fsutil.IsImageFile(event.Name) {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create), event.Op.Has(fsnotify.Write):
		w.pending[event.Name] = time.Now()
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
	}
}

// flush submits every pending file last touched before cutoff. A zero
// cutoff submits everything.
func (w *Watcher) flush(cutoff time.Time) {
	var ready []string
	for path, seen := range w.pending {
		if cutoff.IsZero() || seen.Before(cutoff) {
			ready = append(ready, path)
		}
	}
	if len(ready) == 0 {
		return
	}
	sort.Strings(ready)

	job := pipeline.Job{
		ID:      ident.NewID("ingest"),
		Type:    pipeline.JobIngest,
		Options: map[string]any{"paths": ready},
	}
	if err := w.jobs.Submit(job); err != nil {
		// keep them pending and retry on the next tick
		w.log.Warn("submit ingest failed", "files", len(ready), "error", err)
		return
	}
	for _, path := range ready {
		delete(w.pending, path)
	}
	w.log.Info("Queued inbox photos", "job", job.ID, "files", len(ready))
}
