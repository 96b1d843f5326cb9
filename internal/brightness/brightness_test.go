package brightness

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"timeflow/internal/raster"
	"timeflow/internal/testutil"
)

func TestMatchAgainstItselfIsIdentity(t *testing.T) {
	src := ToYCbCr(testutil.Gradient(32, 24))
	out := MatchLuma(src, src)

	srcMean, srcStd := Stats(src.Y)
	outMean, outStd := Stats(out.Y)
	if math.Abs(srcMean-outMean) > 0.5 || math.Abs(srcStd-outStd) > 0.5 {
		t.Fatalf("stats drifted: mean %v->%v std %v->%v", srcMean, outMean, srcStd, outStd)
	}
	if !bytes.Equal(src.Cb, out.Cb) || !bytes.Equal(src.Cr, out.Cr) {
		t.Fatalf("chroma changed")
	}
	if !bytes.Equal(src.Y, out.Y) {
		t.Fatalf("identity match should leave luma untouched")
	}
}

func TestMatchTransfersMoments(t *testing.T) {
	src := &image.YCbCr{
		Y:              []uint8{10, 20, 30, 40},
		Cb:             []uint8{100, 110, 120, 130},
		Cr:             []uint8{140, 150, 160, 170},
		YStride:        2,
		CStride:        2,
		SubsampleRatio: image.YCbCrSubsampleRatio444,
		Rect:           image.Rect(0, 0, 2, 2),
	}
	ref := &image.YCbCr{
		Y:              []uint8{100, 120, 140, 160},
		Cb:             []uint8{0, 0, 0, 0},
		Cr:             []uint8{0, 0, 0, 0},
		YStride:        2,
		CStride:        2,
		SubsampleRatio: image.YCbCrSubsampleRatio444,
		Rect:           image.Rect(0, 0, 2, 2),
	}

	out := MatchLuma(src, ref)
	want := []uint8{100, 120, 140, 160}
	if !bytes.Equal(out.Y, want) {
		t.Fatalf("Y = %v, want %v", out.Y, want)
	}
	if !bytes.Equal(out.Cb, src.Cb) || !bytes.Equal(out.Cr, src.Cr) {
		t.Fatalf("source chroma must be kept")
	}
	if src.Y[0] != 10 {
		t.Fatalf("source was mutated")
	}
}

func TestMatchFlatSourceAndClipping(t *testing.T) {
	flat := ToYCbCr(testutil.Solid(4, 4, color.NRGBA{R: 50, G: 50, B: 50, A: 255}))
	bright := ToYCbCr(testutil.Solid(4, 4, color.NRGBA{R: 250, G: 250, B: 250, A: 255}))

	out := MatchLuma(flat, bright)
	for _, y := range out.Y {
		if y != bright.Y[0] {
			t.Fatalf("flat source should move to reference mean, got %d want %d", y, bright.Y[0])
		}
	}

	wide := &image.YCbCr{
		Y: []uint8{0, 255}, Cb: []uint8{128, 128}, Cr: []uint8{128, 128},
		YStride: 2, CStride: 2, SubsampleRatio: image.YCbCrSubsampleRatio444,
		Rect: image.Rect(0, 0, 2, 1),
	}
	narrow := &image.YCbCr{
		Y: []uint8{200, 255}, Cb: []uint8{128, 128}, Cr: []uint8{128, 128},
		YStride: 2, CStride: 2, SubsampleRatio: image.YCbCrSubsampleRatio444,
		Rect: image.Rect(0, 0, 2, 1),
	}
	got := MatchLuma(wide, narrow)
	if got.Y[0] != 200 || got.Y[1] != 255 {
		t.Fatalf("unexpected output %v", got.Y)
	}

	mid := &image.YCbCr{
		Y: []uint8{100, 150, 200}, Cb: []uint8{128, 128, 128}, Cr: []uint8{128, 128, 128},
		YStride: 3, CStride: 3, SubsampleRatio: image.YCbCrSubsampleRatio444,
		Rect: image.Rect(0, 0, 3, 1),
	}
	spread := MatchLuma(mid, wide)
	if spread.Y[0] != 0 || spread.Y[1] != 128 || spread.Y[2] != 255 {
		t.Fatalf("expected clipped output, got %v", spread.Y)
	}
}

func TestMatchFiles(t *testing.T) {
	dir := t.TempDir()
	dark := testutil.WriteImage(t, filepath.Join(dir, "dark.png"), testutil.Solid(8, 8, color.NRGBA{R: 40, G: 60, B: 80, A: 255}))
	light := testutil.WriteImage(t, filepath.Join(dir, "light.png"), testutil.Solid(8, 8, color.NRGBA{R: 200, G: 200, B: 200, A: 255}))

	m := NewMatcher(raster.NewNative(raster.Options{}))
	out, err := m.MatchFiles(dark, light)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	gotY, _, _ := color.RGBToYCbCr(out.(*image.NRGBA).Pix[0], out.(*image.NRGBA).Pix[1], out.(*image.NRGBA).Pix[2])
	wantY, _, _ := color.RGBToYCbCr(200, 200, 200)
	if diff := int(gotY) - int(wantY); diff < -2 || diff > 2 {
		t.Fatalf("luma %d not close to reference %d", gotY, wantY)
	}

	if _, err := m.MatchFiles(filepath.Join(dir, "missing.png"), light); err == nil {
		t.Fatalf("expected decode failure")
	}
	if _, err := m.MatchFiles(dark, filepath.Join(dir, "missing.png")); err == nil {
		t.Fatalf("expected decode failure for reference")
	}
}

type failingDecoder struct{}

func (failingDecoder) Decode(string) (image.Image, error) { return nil, errors.New("corrupt") }

func TestMatchFilesDecodeError(t *testing.T) {
	if _, err := NewMatcher(failingDecoder{}).MatchFiles("a", "b"); err == nil {
		t.Fatalf("expected error")
	}
}
