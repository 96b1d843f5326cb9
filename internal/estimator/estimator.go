// Package estimator derives face tilt and body pose from a decoded image.
//
// Locators are tried in order; the first one that finds two eyes wins.
// Nothing here mutates the image.
package estimator

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"sort"
)

// ErrNoFace reports that a locator ran but found no usable eyes.
var ErrNoFace = errors.New("no face found")

// ErrNoPose reports that no body landmarks were found.
var ErrNoPose = errors.New("no pose found")

// Point is a position in normalized image coordinates, (0,0) top-left and
// (1,1) bottom-right.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EyeLocator finds the two eye centres of the most prominent face.
type EyeLocator interface {
	Name() string
	LocateEyes(ctx context.Context, img image.Image) (left, right Point, err error)
}

// PoseDetector finds body joints.
type PoseDetector interface {
	PoseLandmarks(ctx context.Context, img image.Image) ([]Point, error)
}

// Estimator holds an ordered chain of eye locators and an optional pose
// detector. It owns nothing global; build one per session or per process.
type Estimator struct {
	locators []EyeLocator
	pose     PoseDetector
	closers  []io.Closer
	log      *slog.Logger
}

// New builds an Estimator trying locators in the given order.
func New(log *slog.Logger, pose PoseDetector, locators ...EyeLocator) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	e := &Estimator{pose: pose, log: log}
	for _, l := range locators {
		if l != nil {
			e.locators = append(e.locators, l)
		}
	}
	return e
}

// Locators lists the strategy names in the order they are tried.
func (e *Estimator) Locators() []string {
	names := make([]string, 0, len(e.locators))
	for _, l := range e.locators {
		names = append(names, l.Name())
	}
	return names
}

// EstimateTilt returns the roll of the face in degrees, positive when the
// subject's eye line falls to the right, or false when no locator finds eyes.
func (e *Estimator) EstimateTilt(ctx context.Context, img image.Image) (float64, bool) {
	if e == nil || img == nil {
		return 0, false
	}
	for _, l := range e.locators {
		if ctx.Err() != nil {
			return 0, false
		}
		left, right, err := l.LocateEyes(ctx, img)
		if err != nil {
			if errors.Is(err, ErrNoFace) {
				e.log.Debug("no eyes found", "locator", l.Name())
			} else {
				e.log.Warn("eye locator failed", "locator", l.Name(), "error", err)
			}
			continue
		}
		left, right = orderByX(left, right)
		angle := Angle(left, right)
		e.log.Debug("face tilt estimated", "locator", l.Name(), "angle", angle)
		return angle, true
	}
	return 0, false
}

// EstimatePose returns body landmarks or false when none are available.
func (e *Estimator) EstimatePose(ctx context.Context, img image.Image) ([]Point, bool) {
	if e == nil || e.pose == nil || img == nil {
		return nil, false
	}
	pts, err := e.pose.PoseLandmarks(ctx, img)
	if err != nil {
		if !errors.Is(err, ErrNoPose) {
			e.log.Warn("pose detection failed", "error", err)
		}
		return nil, false
	}
	if len(pts) == 0 {
		return nil, false
	}
	return pts, true
}

// AddCloser registers a resource released by Close.
func (e *Estimator) AddCloser(c io.Closer) {
	e.closers = append(e.closers, c)
}

// Close releases detector resources.
func (e *Estimator) Close() error {
	var errs []error
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Angle is the direction of the vector from a to b in degrees.
func Angle(a, b Point) float64 {
	return math.Atan2(b.Y-a.Y, b.X-a.X) * 180 / math.Pi
}

func orderByX(a, b Point) (Point, Point) {
	pts := []Point{a, b}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].X < pts[j].X })
	return pts[0], pts[1]
}
