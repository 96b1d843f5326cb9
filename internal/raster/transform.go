package raster

import (
	"image"
	"image/color"
	stddraw "image/draw"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// ToNRGBA returns img as a zero-origin NRGBA, copying only when needed.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	stddraw.Draw(dst, dst.Bounds(), img, b.Min, stddraw.Src)
	return dst
}

// RotateImage turns img counter-clockwise by degrees. Quarter turns are exact
// pixel permutations; other angles are resampled with Catmull-Rom and the
// uncovered area is filled black.
func RotateImage(img image.Image, degrees float64, expand bool) *image.NRGBA {
	src := ToNRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()

	turns, exact := quarterTurns(degrees)
	if exact && (expand || w == h || turns%2 == 0) {
		return rotateQuarter(src, turns)
	}

	rad := degrees * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	dw, dh := w, h
	if expand {
		dw = int(math.Ceil(math.Abs(float64(w)*cos) + math.Abs(float64(h)*sin) - 1e-9))
		dh = int(math.Ceil(math.Abs(float64(w)*sin) + math.Abs(float64(h)*cos) - 1e-9))
	}

	dst := image.NewNRGBA(image.Rect(0, 0, dw, dh))
	fill(dst, color.NRGBA{A: 0xff})

	cx, cy := float64(w)/2, float64(h)/2
	dcx, dcy := float64(dw)/2, float64(dh)/2
	// y grows downwards, so a counter-clockwise turn maps (x, y) to
	// (x cos + y sin, -x sin + y cos) around the centres.
	s2d := f64.Aff3{
		cos, sin, dcx - cos*cx - sin*cy,
		-sin, cos, dcy + sin*cx - cos*cy,
	}
	draw.CatmullRom.Transform(dst, s2d, src, src.Bounds(), draw.Over, nil)
	return dst
}

// quarterTurns reports how many counter-clockwise quarter turns degrees is.
func quarterTurns(degrees float64) (int, bool) {
	q := degrees / 90
	r := math.Round(q)
	if math.Abs(q-r) > 1e-9 {
		return 0, false
	}
	t := int(r) % 4
	if t < 0 {
		t += 4
	}
	return t, true
}

func rotateQuarter(src *image.NRGBA, turns int) *image.NRGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	var dst *image.NRGBA
	if turns%2 == 1 {
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch turns {
			case 0:
				dx, dy = x, y
			case 1:
				dx, dy = y, w-1-x
			case 2:
				dx, dy = w-1-x, h-1-y
			case 3:
				dx, dy = h-1-y, x
			}
			si := src.PixOffset(x, y)
			di := dst.PixOffset(dx, dy)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

// Resize scales img to exactly w x h.
func Resize(img image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// Fit scales img down so neither side exceeds maxSide, keeping aspect.
func Fit(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}
	if w >= h {
		h = max(1, int(math.Round(float64(h)*float64(maxSide)/float64(w))))
		w = maxSide
	} else {
		w = max(1, int(math.Round(float64(w)*float64(maxSide)/float64(h))))
		h = maxSide
	}
	return Resize(img, w, h)
}

// BlendImages mixes a and b as a*(1-alpha) + b*alpha. b is resized to a's
// dimensions first when they differ.
func BlendImages(a, b image.Image, alpha float64) *image.NRGBA {
	base := ToNRGBA(a)
	w, h := base.Rect.Dx(), base.Rect.Dy()
	var other *image.NRGBA
	if bb := b.Bounds(); bb.Dx() != w || bb.Dy() != h {
		other = Resize(b, w, h)
	} else {
		other = ToNRGBA(b)
	}

	alpha = math.Max(0, math.Min(1, alpha))
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range out.Pix {
		v := float64(base.Pix[i])*(1-alpha) + float64(other.Pix[i])*alpha
		out.Pix[i] = uint8(math.Round(v))
	}
	return out
}

func fill(dst *image.NRGBA, c color.NRGBA) {
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = c.R
		dst.Pix[i+1] = c.G
		dst.Pix[i+2] = c.B
		dst.Pix[i+3] = c.A
	}
}
