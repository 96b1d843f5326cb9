// Package magick implements raster.Backend on ImageMagick through imagick.
package magick

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"timeflow/internal/raster"
)

// Backend drives MagickWand. Each call uses its own wand, so a Backend is
// safe for concurrent use on different files.
type Backend struct {
	jpegQuality  uint
	blendQuality uint
	thumbQuality uint
	closeOnce    sync.Once
}

// New initializes the ImageMagick environment. Call Close when done.
func New(opts raster.Options) *Backend {
	imagick.Initialize()
	d := raster.DefaultOptions()
	b := &Backend{
		jpegQuality:  uint(d.JPEGQuality),
		blendQuality: uint(d.BlendQuality),
		thumbQuality: uint(d.ThumbQuality),
	}
	if opts.JPEGQuality > 0 {
		b.jpegQuality = uint(opts.JPEGQuality)
	}
	if opts.BlendQuality > 0 {
		b.blendQuality = uint(opts.BlendQuality)
	}
	if opts.ThumbQuality > 0 {
		b.thumbQuality = uint(opts.ThumbQuality)
	}
	return b
}

// Close terminates the ImageMagick environment.
func (b *Backend) Close() {
	b.closeOnce.Do(imagick.Terminate)
}

func (b *Backend) Name() string { return "imagick" }

func (b *Backend) IsAvailable() bool {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	return mw.IsVerified()
}

func (b *Backend) Decode(path string) (image.Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, w, h, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels %s: %w", path, err)
	}
	data, ok := pixels.([]byte)
	if !ok {
		return nil, fmt.Errorf("export pixels %s: unexpected type %T", path, pixels)
	}
	return &image.NRGBA{
		Pix:    data,
		Stride: int(w) * 4,
		Rect:   image.Rect(0, 0, int(w), int(h)),
	}, nil
}

func (b *Backend) Encode(path string, img image.Image) error {
	src := raster.ToNRGBA(img)
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	w, h := uint(src.Rect.Dx()), uint(src.Rect.Dy())
	if err := mw.ConstituteImage(w, h, "RGBA", imagick.PIXEL_CHAR, src.Pix); err != nil {
		return fmt.Errorf("constitute: %w", err)
	}
	return b.write(mw, path, b.jpegQuality)
}

func (b *Backend) Rotate(path string, degrees float64, expand bool) error {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImage(path); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	black := imagick.NewPixelWand()
	defer black.Destroy()
	black.SetColor("black")

	// ImageMagick turns clockwise for positive angles.
	if expand {
		if err := mw.RotateImage(black, -degrees); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
	} else {
		if err := mw.SetImageBackgroundColor(black); err != nil {
			return fmt.Errorf("background: %w", err)
		}
		mw.SetImageVirtualPixelMethod(imagick.VIRTUAL_PIXEL_BACKGROUND)
		if err := mw.DistortImage(imagick.DISTORTION_SCALE_ROTATE_TRANSLATE, []float64{-degrees}, false); err != nil {
			return fmt.Errorf("distort: %w", err)
		}
	}
	if err := mw.ResetImagePage("0x0+0+0"); err != nil {
		return fmt.Errorf("reset page: %w", err)
	}
	return b.write(mw, path, b.jpegQuality)
}

func (b *Backend) Blend(a, other, out string, alpha float64) error {
	base := imagick.NewMagickWand()
	defer base.Destroy()
	next := imagick.NewMagickWand()
	defer next.Destroy()

	if err := base.ReadImage(a); err != nil {
		return fmt.Errorf("read %s: %w", a, err)
	}
	if err := next.ReadImage(other); err != nil {
		return fmt.Errorf("read %s: %w", other, err)
	}

	w, h := base.GetImageWidth(), base.GetImageHeight()
	if next.GetImageWidth() != w || next.GetImageHeight() != h {
		if err := next.ResizeImage(w, h, imagick.FILTER_LANCZOS); err != nil {
			return fmt.Errorf("resize: %w", err)
		}
	}

	// compose:args is the percentage of the source laid over the base.
	if err := base.SetImageArtifact("compose:args", fmt.Sprintf("%.1f", alpha*100)); err != nil {
		return fmt.Errorf("compose args: %w", err)
	}
	if err := base.CompositeImage(next, imagick.COMPOSITE_OP_BLEND, true, 0, 0); err != nil {
		return fmt.Errorf("blend: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return b.write(base, out, b.blendQuality)
}

func (b *Backend) Thumbnail(src, dst string, maxSide int) error {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return fmt.Errorf("auto orient: %w", err)
	}
	mw.StripImage()

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	limit := uint(maxSide)
	if maxSide > 0 && (w > limit || h > limit) {
		nw, nh := limit, limit
		if w >= h {
			nh = max(1, h*limit/w)
		} else {
			nw = max(1, w*limit/h)
		}
		if err := mw.ThumbnailImage(nw, nh); err != nil {
			return fmt.Errorf("thumbnail: %w", err)
		}
	}
	if err := mw.SetImageFormat("JPEG"); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return b.write(mw, dst, b.thumbQuality)
}

// write encodes to a sibling temp file with the same extension and renames it
// over path.
func (b *Backend) write(mw *imagick.MagickWand, path string, quality uint) error {
	if err := mw.SetImageCompressionQuality(quality); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*"+filepath.Ext(path))
	if err != nil {
		return err
	}
	tmp := f.Name()
	f.Close()
	if err := mw.WriteImage(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
