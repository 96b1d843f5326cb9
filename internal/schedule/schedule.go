// Package schedule turns a photo count and an optional beat track into
// per-photo start times and display durations.
package schedule

import "timeflow/internal/config"

// Cadence holds the timing constants, in seconds.
type Cadence struct {
	// Interval is the flat per-photo duration used without beats.
	Interval float64
	// FallbackGap spaces the photos left over once the beats run out.
	FallbackGap float64
	// MinDuration floors every derived duration.
	MinDuration float64
	// LastDuration is how long the final photo stays on screen.
	LastDuration float64
	// OriginThreshold is the first-beat time beyond which a beat at 0 is
	// prepended.
	OriginThreshold float64
}

// DefaultCadence is 0.1s per photo, 0.5s fallback, 0.04s floor.
func DefaultCadence() Cadence {
	return Cadence{
		Interval:        0.1,
		FallbackGap:     0.5,
		MinDuration:     0.04,
		LastDuration:    0.1,
		OriginThreshold: 1.0,
	}
}

// FromConfig reads the cadence from cfg, keeping defaults for zero values.
func FromConfig(cfg config.Schedule) Cadence {
	c := DefaultCadence()
	if cfg.Interval > 0 {
		c.Interval = cfg.Interval
	}
	if cfg.FallbackGap > 0 {
		c.FallbackGap = cfg.FallbackGap
	}
	if cfg.MinDuration > 0 {
		c.MinDuration = cfg.MinDuration
	}
	if cfg.LastDuration > 0 {
		c.LastDuration = cfg.LastDuration
	}
	if cfg.OriginThreshold > 0 {
		c.OriginThreshold = cfg.OriginThreshold
	}
	return c
}

// Build returns count start times. Without beats photos are spaced by
// Interval from zero. With beats the first count beats are used verbatim
// and any remaining photos continue from the last beat in FallbackGap steps.
func Build(count int, beats []float64, c Cadence) []float64 {
	if count <= 0 {
		return []float64{}
	}
	starts := make([]float64, count)
	if len(beats) == 0 {
		for i := range starts {
			starts[i] = float64(i) * c.Interval
		}
		return starts
	}
	n := copy(starts, beats)
	last := beats[n-1]
	for i := n; i < count; i++ {
		last += c.FallbackGap
		starts[i] = last
	}
	return starts
}

// Durations derives how long each photo is shown. Each duration is the gap
// to the next start floored at MinDuration; the last photo gets
// LastDuration, also floored.
func Durations(starts []float64, c Cadence) []float64 {
	out := make([]float64, len(starts))
	for i := range starts {
		d := c.LastDuration
		if i+1 < len(starts) {
			d = starts[i+1] - starts[i]
		}
		if d < c.MinDuration {
			d = c.MinDuration
		}
		out[i] = d
	}
	return out
}

// PrependOrigin adds a beat at 0 when the first beat is later than
// threshold seconds. The input is not modified.
func PrependOrigin(beats []float64, threshold float64) []float64 {
	if len(beats) == 0 || beats[0] <= threshold {
		return beats
	}
	out := make([]float64, 0, len(beats)+1)
	out = append(out, 0)
	return append(out, beats...)
}

// Frame pairs a photo with its display duration.
type Frame struct {
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
}

// Frames schedules paths against beats and returns the render list.
func Frames(paths []string, beats []float64, c Cadence) []Frame {
	durations := Durations(Build(len(paths), beats, c), c)
	frames := make([]Frame, len(paths))
	for i, p := range paths {
		frames[i] = Frame{Path: p, Duration: durations[i]}
	}
	return frames
}

// Total is the summed duration of frames.
func Total(frames []Frame) float64 {
	var sum float64
	for _, f := range frames {
		sum += f.Duration
	}
	return sum
}
