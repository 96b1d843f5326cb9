package estimator

import (
	"context"
	"fmt"
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
)

const (
	shiftFactor  = 0.1 // Shift factor for detection window
	scaleFactor  = 1.1 // Scale factor for image pyramid
	iouThreshold = 0.2 // IoU threshold for NMS
	perturbs     = 63  // Pupil localisation perturbations
)

// PupilCascade finds faces with a pigo cascade and then localises each pupil
// with the puploc regression cascade.
type PupilCascade struct {
	face             *pigo.Pigo
	puploc           *pigo.PuplocCascade
	minSize          int
	qualityThreshold float32
}

// NewPupilCascade unpacks the face and pupil cascade blobs.
func NewPupilCascade(faceCascade, puplocCascade []byte, minSize int, qualityThreshold float64) (*PupilCascade, error) {
	face, err := pigo.NewPigo().Unpack(faceCascade)
	if err != nil {
		return nil, fmt.Errorf("unpack face cascade: %w", err)
	}
	plc, err := pigo.NewPuplocCascade().UnpackCascade(puplocCascade)
	if err != nil {
		return nil, fmt.Errorf("unpack puploc cascade: %w", err)
	}
	if minSize <= 0 {
		minSize = 40
	}
	return &PupilCascade{
		face:             face,
		puploc:           plc,
		minSize:          minSize,
		qualityThreshold: float32(qualityThreshold),
	}, nil
}

// LoadPupilCascade reads both cascade files from disk.
func LoadPupilCascade(facePath, puplocPath string, minSize int, qualityThreshold float64) (*PupilCascade, error) {
	faceData, err := os.ReadFile(facePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}
	puplocData, err := os.ReadFile(puplocPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read puploc file: %w", err)
	}
	return NewPupilCascade(faceData, puplocData, minSize, qualityThreshold)
}

func (p *PupilCascade) Name() string { return "pigo" }

func (p *PupilCascade) LocateEyes(ctx context.Context, img image.Image) (Point, Point, error) {
	b := img.Bounds()
	cols, rows := b.Dx(), b.Dy()
	imgParams := pigo.ImageParams{
		Pixels: toGrayscale(img),
		Rows:   rows,
		Cols:   cols,
		Dim:    cols,
	}
	cParams := pigo.CascadeParams{
		MinSize:     p.minSize,
		MaxSize:     max(p.minSize, min(rows, cols)),
		ShiftFactor: shiftFactor,
		ScaleFactor: scaleFactor,
		ImageParams: imgParams,
	}

	dets := p.face.RunCascade(cParams, 0.0)
	dets = p.face.ClusterDetections(dets, iouThreshold)

	var best *pigo.Detection
	for i := range dets {
		det := &dets[i]
		if det.Q < p.qualityThreshold {
			continue
		}
		if best == nil || det.Scale > best.Scale {
			best = det
		}
	}
	if best == nil {
		return Point{}, Point{}, ErrNoFace
	}
	if ctx.Err() != nil {
		return Point{}, Point{}, ctx.Err()
	}

	scale := float32(best.Scale)
	leftEye := p.puploc.RunDetector(pigo.Puploc{
		Row:      best.Row - int(0.075*scale),
		Col:      best.Col - int(0.175*scale),
		Scale:    scale * 0.25,
		Perturbs: perturbs,
	}, imgParams, 0.0, false)
	rightEye := p.puploc.RunDetector(pigo.Puploc{
		Row:      best.Row - int(0.075*scale),
		Col:      best.Col + int(0.185*scale),
		Scale:    scale * 0.25,
		Perturbs: perturbs,
	}, imgParams, 0.0, false)

	if !validPupil(leftEye) || !validPupil(rightEye) {
		return Point{}, Point{}, ErrNoFace
	}

	left := Point{X: float64(leftEye.Col) / float64(cols), Y: float64(leftEye.Row) / float64(rows)}
	right := Point{X: float64(rightEye.Col) / float64(cols), Y: float64(rightEye.Row) / float64(rows)}
	return left, right, nil
}

func validPupil(p *pigo.Puploc) bool {
	return p != nil && p.Row > 0 && p.Col > 0
}

// toGrayscale converts img to the row-major luma buffer pigo expects.
func toGrayscale(img image.Image) []uint8 {
	b := img.Bounds()
	w := b.Dx()
	gray := make([]uint8, w*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			gray[(y-b.Min.Y)*w+(x-b.Min.X)] = uint8(((r*299 + g*587 + bl*114) / 1000) >> 8)
		}
	}
	return gray
}
