// Package edits implements the reversible photo corrections.
//
// Every command absorbs its own failures: Apply reports Failed and leaves
// the proxy untouched, and the matching Reverse is then a no-op.
package edits

import (
	"context"
	"fmt"
	"image"
	"log/slog"

	"timeflow/internal/history"
	"timeflow/internal/raster"
)

// Rasterizer is the subset of raster.Backend the commands use.
type Rasterizer interface {
	Decode(path string) (image.Image, error)
	Encode(path string, img image.Image) error
	Rotate(path string, degrees float64, expand bool) error
	Blend(a, b, out string, alpha float64) error
}

// TiltEstimator returns a face roll in degrees, or false when unknown.
type TiltEstimator interface {
	EstimateTilt(ctx context.Context, img image.Image) (float64, bool)
}

// LumaMatcher returns source corrected toward the reference brightness.
type LumaMatcher interface {
	MatchFiles(sourcePath, referencePath string) (image.Image, error)
}

// Rotate turns a proxy by a fixed angle, growing the canvas to fit. Undo
// puts the pre-apply bytes back.
type Rotate struct {
	snapshotCommand
	backend Rasterizer
	turns   *Turns
	degrees float64
	applied bool
	run     *turnRun
	prev    turnState
}

// NewRotate returns a command turning path by degrees counter-clockwise.
// With turns set, quarter turns are rendered from the bytes their run
// started on.
func NewRotate(backend Rasterizer, turns *Turns, path string, degrees float64, log *slog.Logger) *Rotate {
	return &Rotate{
		snapshotCommand: snapshotCommand{path: path, log: orDefault(log)},
		backend:         backend,
		turns:           turns,
		degrees:         degrees,
	}
}

func (r *Rotate) Name() string { return fmt.Sprintf("rotate(%g)", r.degrees) }

func (r *Rotate) Apply(ctx context.Context) history.Result {
	r.applied = false
	r.run = nil
	if err := r.take(); err != nil {
		r.log.Warn("rotate snapshot failed", "path", r.path, "error", err)
		return history.Failure(err)
	}
	var err error
	if q, ok := quarterTurns(r.degrees); ok && r.turns != nil {
		r.run, r.prev, err = r.turns.turn(r.path, r.snap, q, func(deg float64) error {
			return r.backend.Rotate(r.path, deg, true)
		})
	} else {
		err = r.backend.Rotate(r.path, r.degrees, true)
	}
	if err != nil {
		r.log.Warn("rotate failed", "path", r.path, "degrees", r.degrees, "error", err)
		r.run = nil
		return r.rollback(r.Name(), err)
	}
	r.applied = true
	return history.Done(r.path)
}

func (r *Rotate) Reverse(ctx context.Context) history.Result {
	if !r.applied {
		return history.Skipped("rotation was not applied")
	}
	if r.snap == nil {
		if err := r.backend.Rotate(r.path, -r.degrees, true); err != nil {
			r.log.Warn("rotate reverse failed", "path", r.path, "degrees", -r.degrees, "error", err)
			return history.Failure(err)
		}
	} else if res := r.restore(r.Name()); res.Outcome == history.Failed {
		return res
	}
	if r.run != nil {
		r.turns.rewind(r.path, r.run, r.prev)
	}
	r.applied = false
	return history.Done(r.path)
}

// snapshotCommand is shared by the commands that undo by restoring bytes.
type snapshotCommand struct {
	path string
	snap *raster.Snapshot
	log  *slog.Logger
}

func (s *snapshotCommand) take() error {
	s.release()
	snap, err := raster.TakeSnapshot(s.path)
	if err != nil {
		return err
	}
	s.snap = snap
	return nil
}

func (s *snapshotCommand) restore(name string) history.Result {
	if s.snap == nil {
		return history.Skipped("no snapshot")
	}
	if err := s.snap.Restore(); err != nil {
		s.log.Warn("restore failed", "command", name, "path", s.path, "error", err)
		return history.Failure(err)
	}
	return history.Done(s.path)
}

// rollback puts the captured bytes back after a partial write and drops the
// snapshot, so the following Reverse has nothing to do.
func (s *snapshotCommand) rollback(name string, cause error) history.Result {
	if s.snap != nil {
		if err := s.snap.Restore(); err != nil {
			s.log.Warn("rollback failed", "command", name, "path", s.path, "error", err)
		}
	}
	s.release()
	return history.Failure(cause)
}

func (s *snapshotCommand) release() {
	if s.snap != nil {
		s.snap.Release()
		s.snap = nil
	}
}

// Discard drops the held snapshot.
func (s *snapshotCommand) Discard() { s.release() }

// AutoAlign levels a proxy using the face tilt measured on a reference photo.
type AutoAlign struct {
	snapshotCommand
	backend   Rasterizer
	estimator TiltEstimator
	reference string
}

// NewAutoAlign returns a command rotating path by the negated tilt found on
// reference. The canvas size is kept.
func NewAutoAlign(backend Rasterizer, estimator TiltEstimator, path, reference string, log *slog.Logger) *AutoAlign {
	return &AutoAlign{
		snapshotCommand: snapshotCommand{path: path, log: orDefault(log)},
		backend:         backend,
		estimator:       estimator,
		reference:       reference,
	}
}

func (a *AutoAlign) Name() string { return "auto-align" }

func (a *AutoAlign) Apply(ctx context.Context) history.Result {
	if err := a.take(); err != nil {
		a.log.Warn("auto-align snapshot failed", "path", a.path, "error", err)
		return history.Failure(err)
	}
	ref, err := a.backend.Decode(a.reference)
	if err != nil {
		a.log.Warn("auto-align reference unreadable", "reference", a.reference, "error", err)
		a.release()
		return history.Failure(err)
	}
	tilt, ok := a.estimator.EstimateTilt(ctx, ref)
	if !ok {
		// the snapshot stays: Reverse writes back the same bytes
		return history.Skipped("no eyes detected")
	}
	if err := a.backend.Rotate(a.path, -tilt, false); err != nil {
		a.log.Warn("auto-align rotate failed", "path", a.path, "tilt", tilt, "error", err)
		return a.rollback(a.Name(), err)
	}
	return history.Done(fmt.Sprintf("rotated %.2f", -tilt))
}

func (a *AutoAlign) Reverse(ctx context.Context) history.Result {
	return a.restore(a.Name())
}

// Deflicker matches a proxy's brightness to a reference photo.
type Deflicker struct {
	snapshotCommand
	backend   Rasterizer
	matcher   LumaMatcher
	reference string
}

// NewDeflicker returns a command correcting path toward reference.
func NewDeflicker(backend Rasterizer, matcher LumaMatcher, path, reference string, log *slog.Logger) *Deflicker {
	return &Deflicker{
		snapshotCommand: snapshotCommand{path: path, log: orDefault(log)},
		backend:         backend,
		matcher:         matcher,
		reference:       reference,
	}
}

func (d *Deflicker) Name() string { return "deflicker" }

func (d *Deflicker) Apply(ctx context.Context) history.Result {
	if err := d.take(); err != nil {
		d.log.Warn("deflicker snapshot failed", "path", d.path, "error", err)
		return history.Failure(err)
	}
	corrected, err := d.matcher.MatchFiles(d.path, d.reference)
	if err != nil {
		d.log.Warn("deflicker match failed", "path", d.path, "reference", d.reference, "error", err)
		d.release()
		return history.Failure(err)
	}
	if err := d.backend.Encode(d.path, corrected); err != nil {
		d.log.Warn("deflicker write failed", "path", d.path, "error", err)
		return d.rollback(d.Name(), err)
	}
	return history.Done(d.path)
}

func (d *Deflicker) Reverse(ctx context.Context) history.Result {
	return d.restore(d.Name())
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
