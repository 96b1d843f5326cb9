package raster

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"timeflow/internal/testutil"
)

func TestRotateQuarterTurns(t *testing.T) {
	src := testutil.Gradient(6, 4)

	cases := []struct {
		degrees float64
		w, h    int
		// where the source top-right pixel lands
		x, y int
	}{
		{90, 4, 6, 0, 0},
		{180, 6, 4, 0, 3},
		{270, 4, 6, 3, 5},
		{-90, 4, 6, 3, 5},
		{360, 6, 4, 5, 0},
	}
	corner := src.NRGBAAt(5, 0)
	for _, tc := range cases {
		out := RotateImage(src, tc.degrees, true)
		if out.Rect.Dx() != tc.w || out.Rect.Dy() != tc.h {
			t.Fatalf("%v: expected %dx%d, got %v", tc.degrees, tc.w, tc.h, out.Rect)
		}
		if got := out.NRGBAAt(tc.x, tc.y); got != corner {
			t.Fatalf("%v: corner moved wrongly, got %v want %v", tc.degrees, got, corner)
		}
	}
}

func TestRotateFourQuarterTurnsIsIdentity(t *testing.T) {
	src := testutil.Gradient(7, 3)
	var img image.Image = src
	for i := 0; i < 4; i++ {
		img = RotateImage(img, 90, true)
	}
	if testutil.PixelHash(img) != testutil.PixelHash(src) {
		t.Fatalf("four quarter turns changed the pixels")
	}
}

func TestRotateArbitraryAngle(t *testing.T) {
	src := testutil.Solid(40, 20, color.NRGBA{R: 200, G: 200, B: 200, A: 255})

	kept := RotateImage(src, 10, false)
	if kept.Rect.Dx() != 40 || kept.Rect.Dy() != 20 {
		t.Fatalf("expand=false must keep size, got %v", kept.Rect)
	}
	if c := kept.NRGBAAt(20, 10); c.R < 190 {
		t.Fatalf("centre should stay grey, got %v", c)
	}
	if c := kept.NRGBAAt(0, 0); c.R > 10 || c.A != 255 {
		t.Fatalf("uncovered corner should be opaque black, got %v", c)
	}

	grown := RotateImage(src, 30, true)
	if grown.Rect.Dx() <= 40 || grown.Rect.Dy() <= 20 {
		t.Fatalf("expand=true must grow the canvas, got %v", grown.Rect)
	}
}

func TestBlendImagesResizesSecond(t *testing.T) {
	a := testutil.Solid(8, 8, color.NRGBA{R: 100, G: 0, B: 200, A: 255})
	b := testutil.Solid(16, 4, color.NRGBA{R: 200, G: 100, B: 0, A: 255})

	out := BlendImages(a, b, 0.5)
	if out.Rect.Dx() != 8 || out.Rect.Dy() != 8 {
		t.Fatalf("blend must keep first image size, got %v", out.Rect)
	}
	if c := out.NRGBAAt(3, 3); c.R != 150 || c.G != 50 || c.B != 100 {
		t.Fatalf("unexpected blend %v", c)
	}
}

func TestFitKeepsAspect(t *testing.T) {
	out := Fit(testutil.Gradient(1000, 500), 500)
	if b := out.Bounds(); b.Dx() != 500 || b.Dy() != 250 {
		t.Fatalf("unexpected fit %v", b)
	}
	small := testutil.Gradient(100, 50)
	if Fit(small, 500) != image.Image(small) {
		t.Fatalf("small images must not be upscaled")
	}
}

func TestNativeRotateInPlace(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteImage(t, filepath.Join(dir, "p.png"), testutil.Gradient(5, 3))
	before, _, _ := testutil.DecodePixelHash(t, path)

	b := NewNative(Options{})
	if err := b.Rotate(path, 90, true); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	_, w, h := testutil.DecodePixelHash(t, path)
	if w != 3 || h != 5 {
		t.Fatalf("expected 3x5 after rotate, got %dx%d", w, h)
	}
	if err := b.Rotate(path, -90, true); err != nil {
		t.Fatalf("rotate back: %v", err)
	}
	after, _, _ := testutil.DecodePixelHash(t, path)
	if before != after {
		t.Fatalf("rotate and inverse should restore pixels")
	}
}

func TestNativeRotateMissingFileLeavesNothing(t *testing.T) {
	b := NewNative(Options{})
	path := filepath.Join(t.TempDir(), "missing.jpg")
	if err := b.Rotate(path, 90, true); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("rotate must not create the file")
	}
}

func TestNativeBlendAndThumbnail(t *testing.T) {
	dir := t.TempDir()
	a := testutil.WriteImage(t, filepath.Join(dir, "a.jpg"), testutil.Gradient(40, 30))
	bp := testutil.WriteImage(t, filepath.Join(dir, "b.jpg"), testutil.Gradient(80, 60))
	out := filepath.Join(dir, "proxies", "new.jpg")

	n := NewNative(Options{})
	if err := n.Blend(a, bp, out, 0.5); err != nil {
		t.Fatalf("blend: %v", err)
	}
	cfg, err := DecodeConfig(out)
	if err != nil {
		t.Fatalf("decode blended: %v", err)
	}
	if cfg.Width != 40 || cfg.Height != 30 {
		t.Fatalf("blend output should match first image, got %dx%d", cfg.Width, cfg.Height)
	}

	thumb := filepath.Join(dir, "thumb.jpg")
	if err := n.Thumbnail(bp, thumb, 20); err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	cfg, err = DecodeConfig(thumb)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 20 || cfg.Height != 15 {
		t.Fatalf("unexpected thumbnail size %dx%d", cfg.Width, cfg.Height)
	}
}

func TestEncodeUnsupportedExtension(t *testing.T) {
	err := EncodeFile(filepath.Join(t.TempDir(), "x.heic"), testutil.Gradient(2, 2), 90)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestSnapshotRestoresBytes(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteImage(t, filepath.Join(dir, "p.jpg"), testutil.Gradient(10, 10))
	want := testutil.FileHash(t, path)

	snap, err := TakeSnapshot(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := NewNative(Options{}).Rotate(path, 45, false); err != nil {
		t.Fatal(err)
	}
	if testutil.FileHash(t, path) == want {
		t.Fatalf("rotation should change the file")
	}
	if err := snap.Restore(); err != nil {
		t.Fatal(err)
	}
	if testutil.FileHash(t, path) != want {
		t.Fatalf("restore must be byte exact")
	}
	snap.Release()
	if err := snap.Restore(); err == nil {
		t.Fatalf("restore after release should fail")
	}
}

type stubBackend struct {
	name      string
	available bool
}

func (s stubBackend) Name() string { return s.name }
func (s stubBackend) IsAvailable() bool { return s.available }
func (s stubBackend) Decode(string) (image.Image, error) { return nil, nil }
func (s stubBackend) Encode(string, image.Image) error { return nil }
func (s stubBackend) Rotate(string, float64, bool) error { return nil }
func (s stubBackend) Blend(string, string, string, float64) error { return nil }
func (s stubBackend) Thumbnail(string, string, int) error { return nil }

func TestSelectBackend(t *testing.T) {
	magick := stubBackend{name: "imagick"}
	native := stubBackend{name: "native", available: true}

	got, err := Select("auto", nil, magick, native)
	if err != nil || got.Name() != "native" {
		t.Fatalf("auto should fall back to native, got %v %v", got, err)
	}
	if _, err := Select("imagick", nil, magick, native); err == nil {
		t.Fatalf("expected error when the preferred backend is unavailable")
	}
}
