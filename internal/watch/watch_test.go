package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"timeflow/internal/logging"
	"timeflow/internal/pipeline"
	"timeflow/internal/testutil"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
	got  chan pipeline.Job
}

func (r *recordingQueue) Submit(job pipeline.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	if r.got != nil {
		r.got <- job
	}
	return nil
}

func TestObserveFiltersAndFlushes(t *testing.T) {
	q := &recordingQueue{}
	w := New("/inbox", q, time.Second, logging.Discard())

	w.observe(fsnotify.Event{Name: "/inbox/b.jpg", Op: fsnotify.Create})
	w.observe(fsnotify.Event{Name: "/inbox/a.CR2", Op: fsnotify.Write})
	w.observe(fsnotify.Event{Name: "/inbox/.a.jpg.part", Op: fsnotify.Create})
	w.observe(fsnotify.Event{Name: "/inbox/notes.txt", Op: fsnotify.Create})
	w.observe(fsnotify.Event{Name: "/inbox/gone.png", Op: fsnotify.Create})
	w.observe(fsnotify.Event{Name: "/inbox/gone.png", Op: fsnotify.Remove})

	// nothing has settled yet
	w.flush(time.Now().Add(-time.Hour))
	if len(q.jobs) != 0 {
		t.Fatalf("unsettled files must wait, got %+v", q.jobs)
	}

	w.flush(time.Time{})
	if len(q.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(q.jobs))
	}
	paths := q.jobs[0].Options["paths"].([]string)
	if len(paths) != 2 || paths[0] != "/inbox/a.CR2" || paths[1] != "/inbox/b.jpg" {
		t.Fatalf("unexpected paths %v", paths)
	}
	if q.jobs[0].Type != pipeline.JobIngest {
		t.Fatalf("unexpected job type %s", q.jobs[0].Type)
	}
	if len(w.pending) != 0 {
		t.Fatalf("submitted files should leave pending")
	}
}

func TestFlushKeepsPendingOnSubmitError(t *testing.T) {
	q := &recordingQueue{err: errors.New("job queue is full")}
	w := New("/inbox", q, time.Second, logging.Discard())
	w.observe(fsnotify.Event{Name: "/inbox/a.jpg", Op: fsnotify.Create})
	w.flush(time.Time{})
	if len(w.pending) != 1 {
		t.Fatalf("failed submit should keep the file pending")
	}
}

func TestRunQueuesNewPhotos(t *testing.T) {
	dir := t.TempDir()
	q := &recordingQueue{got: make(chan pipeline.Job, 4)}
	w := New(dir, q, 50*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// let the watch register
	time.Sleep(100 * time.Millisecond)

	photo := testutil.WriteImage(t, filepath.Join(dir, "IMG_0001.jpg"), testutil.Gradient(4, 4))

	select {
	case job := <-q.got:
		paths := job.Options["paths"].([]string)
		if len(paths) != 1 || paths[0] != photo {
			t.Fatalf("unexpected paths %v", paths)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ingest job")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunMissingDir(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "nope"), &recordingQueue{}, 0, logging.Discard())
	if err := w.Run(context.Background()); err == nil {
		t.Fatalf("missing inbox should fail")
	}
}
