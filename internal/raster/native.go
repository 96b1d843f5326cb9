package raster

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
)

// Native is the pure-Go backend. It does not read EXIF orientation.
type Native struct {
	opts Options
}

// NewNative returns a Native backend with opts applied over the defaults.
func NewNative(opts Options) *Native {
	return &Native{opts: opts.withDefaults()}
}

func (n *Native) Name() string      { return "native" }
func (n *Native) IsAvailable() bool { return true }

func (n *Native) Decode(path string) (image.Image, error) {
	return DecodeFile(path)
}

func (n *Native) Encode(path string, img image.Image) error {
	return EncodeFile(path, img, n.opts.JPEGQuality)
}

func (n *Native) Rotate(path string, degrees float64, expand bool) error {
	img, err := DecodeFile(path)
	if err != nil {
		return err
	}
	return EncodeFile(path, RotateImage(img, degrees, expand), n.opts.JPEGQuality)
}

func (n *Native) Blend(a, b, out string, alpha float64) error {
	first, err := DecodeFile(a)
	if err != nil {
		return err
	}
	second, err := DecodeFile(b)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return EncodeFile(out, BlendImages(first, second, alpha), n.opts.BlendQuality)
}

func (n *Native) Thumbnail(src, dst string, maxSide int) error {
	img, err := DecodeFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if !IsEncodable(dst) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, dst)
	}
	return EncodeFile(dst, Fit(img, maxSide), n.opts.ThumbQuality)
}
