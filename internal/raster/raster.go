// Package raster reads, transforms and writes proxy images.
//
// Angles are in degrees, positive values turn the picture counter-clockwise.
package raster

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
)

// ErrUnsupportedFormat is returned when a file extension has no encoder.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Backend performs the pixel work behind the edit commands. Every method
// that writes replaces its destination atomically, so a failed call leaves
// the previous file content in place.
type Backend interface {
	Name() string
	IsAvailable() bool
	Decode(path string) (image.Image, error)
	Encode(path string, img image.Image) error
	// Rotate turns the image at path in place. With expand the canvas grows
	// to hold the whole rotated picture, otherwise it keeps its size.
	Rotate(path string, degrees float64, expand bool) error
	// Blend mixes a and b into out, resizing b to a's size when they differ.
	// alpha is the weight of b.
	Blend(a, b, out string, alpha float64) error
	// Thumbnail writes a JPEG no larger than maxSide on its long edge.
	Thumbnail(src, dst string, maxSide int) error
}

// Options tune the encoders of a backend.
type Options struct {
	JPEGQuality  int
	BlendQuality int
	ThumbQuality int
}

// DefaultOptions mirrors the editing defaults.
func DefaultOptions() Options {
	return Options{JPEGQuality: 95, BlendQuality: 90, ThumbQuality: 80}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = d.JPEGQuality
	}
	if o.BlendQuality <= 0 {
		o.BlendQuality = d.BlendQuality
	}
	if o.ThumbQuality <= 0 {
		o.ThumbQuality = d.ThumbQuality
	}
	return o
}

// Select returns the first available backend matching preferred. "auto" or
// an empty name picks the first available one in order.
func Select(preferred string, log *slog.Logger, backends ...Backend) (Backend, error) {
	preferred = strings.ToLower(preferred)
	for _, b := range backends {
		if b == nil {
			continue
		}
		if preferred != "" && preferred != "auto" && b.Name() != preferred {
			continue
		}
		if b.IsAvailable() {
			if log != nil {
				log.Debug("raster backend selected", "backend", b.Name())
			}
			return b, nil
		}
		if log != nil {
			log.Warn("raster backend unavailable", "backend", b.Name())
		}
	}
	return nil, fmt.Errorf("no raster backend available for %q", preferred)
}
