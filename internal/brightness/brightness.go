// Package brightness matches the luma distribution of one image to another
// while keeping the source chroma.
package brightness

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Decoder loads an image from disk.
type Decoder interface {
	Decode(path string) (image.Image, error)
}

// Matcher reads images through a Decoder and matches their luma.
type Matcher struct {
	dec Decoder
}

// NewMatcher returns a Matcher decoding with dec.
func NewMatcher(dec Decoder) *Matcher {
	return &Matcher{dec: dec}
}

// MatchFiles decodes both files and returns the corrected source.
func (m *Matcher) MatchFiles(sourcePath, referencePath string) (image.Image, error) {
	src, err := m.dec.Decode(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("decode source: %w", err)
	}
	ref, err := m.dec.Decode(referencePath)
	if err != nil {
		return nil, fmt.Errorf("decode reference: %w", err)
	}
	return Match(src, ref), nil
}

// Match rescales the luma of src so its mean and standard deviation equal
// those of ref. Neither input is modified.
func Match(src, ref image.Image) *image.NRGBA {
	s := ToYCbCr(src)
	r := ToYCbCr(ref)
	out := MatchLuma(s, r)
	return FromYCbCr(out)
}

// MatchLuma returns a copy of src with its Y plane mapped by
// (y - srcMean) * (refStd / srcStd) + refMean, clipped to [0,255].
// A flat source (std 0) is treated as std 1. Cb and Cr are copied unchanged.
func MatchLuma(src, ref *image.YCbCr) *image.YCbCr {
	srcMean, srcStd := Stats(src.Y)
	refMean, refStd := Stats(ref.Y)
	if srcStd == 0 {
		srcStd = 1
	}
	gain := refStd / srcStd

	out := &image.YCbCr{
		Y:              make([]uint8, len(src.Y)),
		Cb:             append([]uint8(nil), src.Cb...),
		Cr:             append([]uint8(nil), src.Cr...),
		YStride:        src.YStride,
		CStride:        src.CStride,
		SubsampleRatio: src.SubsampleRatio,
		Rect:           src.Rect,
	}
	for i, y := range src.Y {
		v := (float64(y)-srcMean)*gain + refMean
		out.Y[i] = clip(v)
	}
	return out
}

// Stats returns the mean and population standard deviation of samples.
func Stats(samples []uint8) (mean, std float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v)
	}
	mean = sum / float64(len(samples))
	var sq float64
	for _, v := range samples {
		d := float64(v) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}

// ToYCbCr converts img to a full-resolution (4:4:4) YCbCr image with a
// zero origin.
func ToYCbCr(img image.Image) *image.YCbCr {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio444)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			yy, cb, cr := color.RGBToYCbCr(c.R, c.G, c.B)
			out.Y[y*out.YStride+x] = yy
			out.Cb[y*out.CStride+x] = cb
			out.Cr[y*out.CStride+x] = cr
		}
	}
	return out
}

// FromYCbCr converts a 4:4:4 YCbCr image back to opaque NRGBA.
func FromYCbCr(img *image.YCbCr) *image.NRGBA {
	b := img.Rect
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			yi := img.YOffset(b.Min.X+x, b.Min.Y+y)
			ci := img.COffset(b.Min.X+x, b.Min.Y+y)
			r, g, bl := color.YCbCrToRGB(img.Y[yi], img.Cb[ci], img.Cr[ci])
			o := out.PixOffset(x, y)
			out.Pix[o] = r
			out.Pix[o+1] = g
			out.Pix[o+2] = bl
			out.Pix[o+3] = 0xff
		}
	}
	return out
}

func clip(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
